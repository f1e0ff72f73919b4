package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/envelope"
)

// RecordingHandler records the event ids it handles. Fail makes it return an error
// for the given ids.
type RecordingHandler struct {
	mu     sync.Mutex
	ids    []string
	fail   map[string]error
	notify chan struct{}
}

var _ dispatch.Handler = (*RecordingHandler)(nil)

// NewRecordingHandler creates an empty recorder.
func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{fail: map[string]error{}, notify: make(chan struct{}, 1)}
}

// Handle implements dispatch.Handler.
func (h *RecordingHandler) Handle(_ context.Context, env *envelope.Envelope) error {
	h.mu.Lock()
	h.ids = append(h.ids, env.EventID)
	err := h.fail[env.EventID]
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return err
}

// Fail makes the handler return err for eventID.
func (h *RecordingHandler) Fail(eventID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[eventID] = err
}

// IDs returns the handled ids in call order.
func (h *RecordingHandler) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

// WaitFor blocks until n events were handled or timeout passes.
func (h *RecordingHandler) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(h.IDs()) >= n {
			return true
		}
		select {
		case <-h.notify:
		case <-deadline.C:
			return len(h.IDs()) >= n
		}
	}
}
