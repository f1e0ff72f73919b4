package testutil

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/credentials"
	"github.com/mudtools/MudFeishu-sub002/envelope"
)

// FakeServer plays the platform side of the long connection. It accepts every
// handshake, answers auth and ping frames, and records acks and nacks.
type FakeServer struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	frames  []envelope.Frame
	ready   chan struct{}
	notify  chan struct{}
	authErr int

	connections atomic.Int32
}

// FakeServerToken is the token Provider hands out.
const FakeServerToken = "fake-token"

// NewFakeServer starts a server closed by t.Cleanup.
func NewFakeServer(t testing.TB) *FakeServer {
	t.Helper()
	s := &FakeServer{
		t:      t,
		ready:  make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// RejectAuth makes later auth frames fail with code.
func (s *FakeServer) RejectAuth(code int) {
	s.mu.Lock()
	s.authErr = code
	s.mu.Unlock()
}

// URL is the websocket endpoint.
func (s *FakeServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Provider returns a token provider pointing at the server with frame auth.
func (s *FakeServer) Provider() credentials.Static {
	return credentials.Static{
		Endpoint: connection.Endpoint{URL: s.URL(), AuthByFrame: true},
		Token:    FakeServerToken,
	}
}

// Connections counts accepted handshakes.
func (s *FakeServer) Connections() int {
	return int(s.connections.Load())
}

func (s *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.connections.Add(1)
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f envelope.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		s.onFrame(conn, f)
	}
}

func (s *FakeServer) onFrame(conn *websocket.Conn, f envelope.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case envelope.FrameAuth:
		code := envelope.AuthOK
		if f.Token != FakeServerToken {
			code = envelope.AuthCredentialInvalid
		}
		if s.authErr != 0 {
			code = s.authErr
		}
		s.writeLocked(conn, envelope.Frame{Type: envelope.FrameAuthAck, Code: code})
		if code == envelope.AuthOK {
			s.conn = conn
			select {
			case <-s.ready:
			default:
				close(s.ready)
			}
		}
	case envelope.FramePing:
		s.writeLocked(conn, envelope.Frame{Type: envelope.FramePong})
	default:
		s.frames = append(s.frames, f)
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *FakeServer) writeLocked(conn *websocket.Conn, f envelope.Frame) {
	data, err := envelope.Encode(f)
	if err != nil {
		s.t.Errorf("encode frame: %v", err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// WaitAuthenticated blocks until a client authenticated.
func (s *FakeServer) WaitAuthenticated(timeout time.Duration) bool {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send writes an event payload as a text frame to the authenticated client.
func (s *FakeServer) Send(payload []byte) {
	s.write(websocket.TextMessage, payload)
}

// SendGzip writes a gzip-compressed event payload as a binary frame.
func (s *FakeServer) SendGzip(payload []byte) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(payload)
	_ = zw.Close()
	s.write(websocket.BinaryMessage, buf.Bytes())
}

func (s *FakeServer) write(messageType int, data []byte) {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.t.Fatalf("no authenticated client")
		return
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.t.Errorf("write frame: %v", err)
	}
}

// Frames returns the acks and nacks received so far.
func (s *FakeServer) Frames() []envelope.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope.Frame(nil), s.frames...)
}

// WaitFrames blocks until n acks or nacks arrived or timeout passes.
func (s *FakeServer) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(s.Frames()) >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return len(s.Frames()) >= n
		}
	}
}
