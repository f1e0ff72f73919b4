package connection

import "time"

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Authenticated
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind names a lifecycle notification.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventConnected
	EventAuthenticated
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventConnected:
		return "connected"
	case EventAuthenticated:
		return "authenticated"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners synchronously, in order, from the goroutine that
// caused it. Listeners must not block.
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	Err      error
	Time     time.Time
}

// Listener receives lifecycle events.
type Listener func(Event)
