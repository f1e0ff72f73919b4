package ingest

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/metric"
)

type scriptedDispatcher struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, env *envelope.Envelope) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, env.EventID)
	if d.fail[env.EventID] {
		return dispatch.Result{Outcome: dispatch.Failed, Handlers: 1, Err: stderrors.New("handler error")}
	}
	return dispatch.Result{Outcome: dispatch.Processed, Handlers: 1}
}

func (d *scriptedDispatcher) Seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

func newTestProcessor(t *testing.T, d EventDispatcher, registry *metric.MetricsRegistry) *Processor {
	t.Helper()
	mem, err := dedup.NewMemory(context.Background(), dedup.Config{Expiration: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return NewProcessor(mem, d, nil, registry)
}

func TestProcessor_DuplicateDispatchedOnceInOrder(t *testing.T) {
	d := &scriptedDispatcher{}
	registry := metric.NewMetricsRegistry()
	p := newTestProcessor(t, d, registry)
	ctx := context.Background()

	assert.Equal(t, dispatch.Processed, p.Process(ctx, env("a")).Outcome)
	assert.Equal(t, dispatch.SkippedDuplicate, p.Process(ctx, env("a")).Outcome)
	assert.Equal(t, dispatch.Processed, p.Process(ctx, env("b")).Outcome)

	assert.Equal(t, []string{"a", "b"}, d.Seen())
	assert.Equal(t, 3.0, testutil.ToFloat64(registry.Metrics.EventsReceived.WithLabelValues("socket", "im.message.receive_v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.Metrics.EventsDispatched.WithLabelValues("socket", "skipped_duplicate")))
}

func TestProcessor_FailureAllowsRedelivery(t *testing.T) {
	d := &scriptedDispatcher{fail: map[string]bool{"a": true}}
	p := newTestProcessor(t, d, nil)
	ctx := context.Background()

	assert.Equal(t, dispatch.Failed, p.Process(ctx, env("a")).Outcome)
	assert.Equal(t, dispatch.Failed, p.Process(ctx, env("a")).Outcome)
	assert.Equal(t, []string{"a", "a"}, d.Seen())
}

func TestProcessor_ConsumeDrainsQueueInOrder(t *testing.T) {
	d := &scriptedDispatcher{}
	p := newTestProcessor(t, d, nil)
	q := newTestQueue(t, 8)
	ctx := context.Background()

	for _, id := range []string{"a", "a", "b"} {
		require.NoError(t, q.Enqueue(ctx, env(id)))
	}
	require.NoError(t, q.Close())

	var outcomes []dispatch.Outcome
	err := p.Consume(ctx, q, func(_ *envelope.Envelope, r dispatch.Result) {
		outcomes = append(outcomes, r.Outcome)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Seen())
	assert.Equal(t, []dispatch.Outcome{dispatch.Processed, dispatch.SkippedDuplicate, dispatch.Processed}, outcomes)
}

func TestProcessor_ConsumeStopsOnCancel(t *testing.T) {
	p := newTestProcessor(t, &scriptedDispatcher{}, nil)
	q := newTestQueue(t, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Consume(ctx, q, nil) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
