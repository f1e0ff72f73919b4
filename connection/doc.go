// Package connection maintains the long-connection WebSocket session.
//
// A Manager asks its TokenProvider for an endpoint, dials it, authenticates (by frame
// or by a token already embedded in the URL), and then runs three loops per session:
// the read loop decoding frames, a heartbeat sending WebSocket pings, and, when the
// ingest queue is enabled, one consumer dispatching queued events in arrival order.
//
// When a session drops the Manager reconnects with exponential delays, fetching a fresh
// endpoint each time, until the attempt budget is spent. The budget resets once a
// session has stayed authenticated for ReconnectResetAfter. A rejected credential or
// an exhausted budget is terminal: listeners receive an EventError and Done is closed.
//
// State transitions:
//
//	Disconnected -> Connecting -> Authenticating -> Authenticated
//	Authenticated -> Reconnecting -> Connecting ...
//	any -> Closed (Stop, fatal auth failure, budget exhausted)
package connection
