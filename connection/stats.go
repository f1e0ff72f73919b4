package connection

import (
	"time"

	"github.com/mudtools/MudFeishu-sub002/ingest"
)

// Stats is a snapshot of the manager, computed on demand.
type Stats struct {
	ConnectionID    string             `json:"connection_id"`
	State           string             `json:"state"`
	Uptime          time.Duration      `json:"uptime"`
	SessionUptime   time.Duration      `json:"session_uptime"`
	Reconnects      int64              `json:"reconnects"`
	FramesReceived  int64              `json:"frames_received"`
	EventsProcessed int64              `json:"events_processed"`
	LastActivity    time.Time          `json:"last_activity"`
	LastError       string             `json:"last_error,omitempty"`
	LastErrorAt     time.Time          `json:"last_error_at,omitempty"`
	Heartbeat       time.Duration      `json:"heartbeat_interval"`
	Queue           *ingest.QueueStats `json:"queue,omitempty"`
}

// Stats returns the current statistics.
func (m *Manager) Stats() Stats {
	now := time.Now()
	state := m.State()

	s := Stats{
		ConnectionID:    m.id,
		State:           state.String(),
		Reconnects:      m.reconnects.Load(),
		FramesReceived:  m.framesReceived.Load(),
		EventsProcessed: m.eventsProcessed.Load(),
		Heartbeat:       m.heartbeatInterval(),
	}

	m.lifecycleMu.Lock()
	started := m.startTime
	m.lifecycleMu.Unlock()
	if !started.IsZero() && state != Closed {
		s.Uptime = now.Sub(started)
	}
	if state == Authenticated {
		if ns := m.sessionStart.Load(); ns > 0 {
			s.SessionUptime = now.Sub(time.Unix(0, ns))
		}
	}
	if ns := m.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	if rec := m.lastErr.Load(); rec != nil {
		s.LastError = rec.err.Error()
		s.LastErrorAt = rec.when
	}
	if m.queue != nil {
		qs := m.queue.Stats()
		s.Queue = &qs
	}
	return s
}
