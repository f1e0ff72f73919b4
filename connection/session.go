package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

// connect fetches an endpoint, dials it and authenticates. On success the returned
// connection is installed as the current session.
func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	m.setState(Connecting)

	endpoint, err := m.provider.GetEndpoint(ctx)
	if err != nil {
		if errors.IsFatal(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrEndpointFailed, err), "Manager", "connect", "get endpoint")
	}
	if endpoint == nil || endpoint.URL == "" {
		return nil, errors.WrapTransient(errors.ErrEndpointFailed, "Manager", "connect", "empty endpoint")
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectionTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, endpoint.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: handshake status %d", errors.ErrCredentialInvalid, resp.StatusCode),
				"Manager", "connect", "dial")
		}
		if dialCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err)
		}
		return nil, errors.WrapTransient(err, "Manager", "connect", "dial")
	}

	if m.config.MaxFrameSize > 0 {
		conn.SetReadLimit(m.config.MaxFrameSize)
	}
	conn.SetPongHandler(func(string) error {
		m.touch()
		return nil
	})

	m.touch()
	m.emit(Event{Kind: EventConnected})

	if endpoint.Client != nil {
		m.applyPingInterval(endpoint.Client.PingInterval)
	}

	if endpoint.AuthByFrame {
		m.setState(Authenticating)
		if err := m.authenticate(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	m.sessionStart.Store(time.Now().UnixNano())
	m.setState(Authenticated)
	m.emit(Event{Kind: EventAuthenticated})
	m.logger.Info("Long connection established", "url", redact(endpoint.URL))
	return conn, nil
}

// authenticate sends the auth frame and waits for auth_ack within ConnectionTimeout.
func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn) error {
	token, err := m.provider.GetAccessToken(ctx)
	if err != nil {
		if errors.IsFatal(err) {
			return err
		}
		return errors.WrapTransient(err, "Manager", "authenticate", "get access token")
	}

	data, err := envelope.Encode(envelope.AuthFrame(token))
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "authenticate", "encode auth frame")
	}

	deadline := time.Now().Add(m.config.ConnectionTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Manager", "authenticate", "write auth frame")
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err),
				"Manager", "authenticate", "read auth_ack")
		}
		m.touch()

		msg, err := m.codec.Decode(raw)
		if err != nil {
			m.metrics.RecordMalformedFrame()
			return err
		}
		if msg.Control == nil || msg.Control.Type != envelope.FrameAuthAck {
			// events and pings before the ack are not expected; keep waiting
			continue
		}
		return m.handleAuthAck(msg.Control)
	}
}

func (m *Manager) handleAuthAck(ack *envelope.Frame) error {
	switch ack.Code {
	case envelope.AuthOK:
		if ack.PingInterval > 0 {
			m.applyPingInterval(time.Duration(ack.PingInterval) * time.Second)
		}
		return nil
	case envelope.AuthTokenExpired:
		if inv, ok := m.provider.(TokenInvalidator); ok {
			inv.InvalidateToken()
		}
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrTokenExpired, ack.Msg), "Manager", "authenticate", "auth_ack")
	case envelope.AuthCredentialInvalid:
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrCredentialInvalid, ack.Msg), "Manager", "authenticate", "auth_ack")
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: code %d: %s", errors.ErrAuthRejected, ack.Code, ack.Msg),
			"Manager", "authenticate", "auth_ack")
	}
}

// runSession reads until the connection fails, the heartbeat times out or ctx ends.
func (m *Manager) runSession(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		m.heartbeat(sessionCtx, conn, &timedOut)
	}()

	err := m.readLoop(sessionCtx, conn)

	cancel()
	<-heartbeatDone

	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.connMu.Unlock()
	_ = conn.Close()

	if timedOut.Load() {
		return errors.WrapTransient(errors.ErrHeartbeatTimeout, "Manager", "runSession", "heartbeat")
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return errors.WrapTransient(fmt.Errorf("%w: closed by server (%d %s)", errors.ErrConnectionLost, ce.Code, ce.Text),
					"Manager", "readLoop", "read")
			}
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Manager", "readLoop", "read")
		}
		m.touch()
		m.framesReceived.Add(1)

		msg, err := m.codec.Decode(raw)
		if err != nil {
			m.metrics.RecordMalformedFrame()
			return err
		}

		if msg.Control != nil {
			m.handleControl(msg.Control)
			continue
		}

		if err := m.deliver(ctx, msg.Envelope); err != nil {
			return err
		}
	}
}

func (m *Manager) deliver(ctx context.Context, env *envelope.Envelope) error {
	if m.queue != nil {
		if err := m.queue.Enqueue(ctx, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "Manager", "deliver", "enqueue")
		}
		return nil
	}

	m.busy.Store(true)
	result := m.processor.Process(ctx, env)
	m.busy.Store(false)
	m.touch()
	m.afterProcess(env, result)
	return nil
}

func (m *Manager) handleControl(f *envelope.Frame) {
	switch f.Type {
	case envelope.FramePing:
		if err := m.writeFrame(envelope.Frame{Type: envelope.FramePong}); err != nil {
			m.logger.Debug("Failed to answer ping frame", "error", err)
		}
	case envelope.FramePong:
		if f.PingInterval > 0 {
			m.applyPingInterval(time.Duration(f.PingInterval) * time.Second)
		}
	default:
		m.logger.Debug("Ignoring control frame", "type", f.Type)
	}
}

// heartbeat pings every interval and closes conn when the peer stays silent past the
// heartbeat timeout. The timeout does not run while the read loop is blocked on a full
// queue or a synchronous handler.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn, timedOut *atomic.Bool) {
	timer := time.NewTimer(m.heartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop already sent a close frame: leave the socket to the read loop and
			// bound its wait for the echo. Otherwise unblock the read loop now.
			if m.stopping.Load() {
				_ = conn.SetReadDeadline(time.Now().Add(m.config.ConnectionTimeout / 2))
			} else {
				_ = conn.Close()
			}
			return
		case <-timer.C:
		}

		if m.busy.Load() || (m.queue != nil && m.queue.Blocked()) {
			m.touch()
		} else if silent := time.Since(time.Unix(0, m.lastActivity.Load())); silent > m.heartbeatTimeout() {
			m.logger.Warn("Heartbeat timeout", "silent_for", silent)
			timedOut.Store(true)
			_ = conn.Close()
			return
		}

		deadline := time.Now().Add(m.config.ConnectionTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			m.logger.Debug("Ping failed", "error", err)
			_ = conn.Close()
			return
		}
		timer.Reset(m.heartbeatInterval())
	}
}

// writeFrame sends a control frame on the current session.
func (m *Manager) writeFrame(f envelope.Frame) error {
	data, err := envelope.Encode(f)
	if err != nil {
		return err
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return errors.ErrNotStarted
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.ConnectionTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendClose starts the close handshake on the current connection. The peer's echo,
// or the read deadline when it never answers, ends the read loop.
func (m *Manager) sendClose(code int, reason string) {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.config.ConnectionTimeout))
	_ = conn.SetReadDeadline(time.Now().Add(m.config.ConnectionTimeout / 2))
}

// closeSession closes whatever connection is still open.
func (m *Manager) closeSession() {
	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// redact drops the query string, which may carry credentials.
func redact(raw string) string {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '?' {
			return raw[:i]
		}
	}
	return raw
}
