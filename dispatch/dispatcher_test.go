package dispatch

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
)

func testEnvelope(eventType, id string) *envelope.Envelope {
	return &envelope.Envelope{
		Transport: envelope.TransportSocket,
		EventType: eventType,
		EventID:   id,
		DedupKey:  id,
	}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, err error) Handler {
	return HandlerFunc(func(context.Context, *envelope.Envelope) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return err
	})
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDispatch_NoHandlerRunsDefault(t *testing.T) {
	var called atomic.Bool
	d := NewDispatcher(NewRegistry(ModeSingle), Config{},
		WithDefaultHandler(HandlerFunc(func(context.Context, *envelope.Envelope) error {
			called.Store(true)
			return stderrors.New("ignored")
		})))

	res := d.Dispatch(context.Background(), testEnvelope("unknown", "e1"))

	assert.True(t, called.Load())
	assert.Equal(t, Processed, res.Outcome)
	assert.Equal(t, 0, res.Handlers)
	assert.NoError(t, res.Err)
}

func TestDispatch_SequentialRunsAllAndJoinsErrors(t *testing.T) {
	rec := &recorder{}
	errA := stderrors.New("a failed")
	errC := stderrors.New("c failed")

	r := NewRegistry(ModeMulti)
	r.MustRegister("t", rec.handler("a", errA))
	r.MustRegister("t", rec.handler("b", nil))
	r.MustRegister("t", rec.handler("c", errC))

	registry := metric.NewMetricsRegistry()
	d := NewDispatcher(r, Config{}, WithMetrics(registry))
	res := d.Dispatch(context.Background(), testEnvelope("t", "e1"))

	assert.Equal(t, []string{"a", "b", "c"}, rec.Calls())
	assert.Equal(t, Failed, res.Outcome)
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.Handlers)
	assert.ErrorIs(t, res.Err, errA)
	assert.ErrorIs(t, res.Err, errC)
	assert.Equal(t, 2.0, testutil.ToFloat64(registry.Metrics.HandlerErrors.WithLabelValues("t")))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.Metrics.EventsDispatched.WithLabelValues("socket", "failed")))
}

func TestDispatch_ParallelWaitsForAll(t *testing.T) {
	const n = 6
	var running, peak atomic.Int32
	release := make(chan struct{})

	r := NewRegistry(ModeMulti)
	for i := 0; i < n; i++ {
		r.MustRegister("t", HandlerFunc(func(context.Context, *envelope.Envelope) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}))
	}

	d := NewDispatcher(r, Config{Parallel: true, MaxParallel: 3})
	done := make(chan Result)
	go func() { done <- d.Dispatch(context.Background(), testEnvelope("t", "e1")) }()

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case res := <-done:
		assert.Equal(t, Processed, res.Outcome)
		assert.Equal(t, n, res.Handlers)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return")
	}
	assert.Equal(t, int32(3), peak.Load())
}

func TestDispatch_ParallelFailureDoesNotStopSiblings(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(ModeMulti)
	r.MustRegister("t", rec.handler("a", stderrors.New("boom")))
	r.MustRegister("t", rec.handler("b", nil))
	r.MustRegister("t", rec.handler("c", nil))

	d := NewDispatcher(r, Config{Parallel: true})
	res := d.Dispatch(context.Background(), testEnvelope("t", "e1"))

	assert.Equal(t, Failed, res.Outcome)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.Calls())
}

func TestDispatch_RecoversPanics(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(ModeMulti)
	r.MustRegister("t", HandlerFunc(func(context.Context, *envelope.Envelope) error { panic("bad handler") }))
	r.MustRegister("t", rec.handler("after", nil))

	d := NewDispatcher(r, Config{RecoverPanics: true})
	res := d.Dispatch(context.Background(), testEnvelope("t", "e1"))

	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrHandlerPanic))
	assert.Equal(t, []string{"after"}, rec.Calls())
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	r := NewRegistry(ModeSingle)
	r.MustRegister("t", HandlerFunc(func(ctx context.Context, _ *envelope.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	d := NewDispatcher(r, Config{HandlerTimeout: 20 * time.Millisecond})
	res := d.Dispatch(context.Background(), testEnvelope("t", "e1"))

	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestDispatch_AllSkippedIsDuplicate(t *testing.T) {
	r := NewRegistry(ModeMulti)
	r.MustRegister("t", HandlerFunc(func(context.Context, *envelope.Envelope) error { return ErrSkipped }))
	r.MustRegister("t", HandlerFunc(func(context.Context, *envelope.Envelope) error { return ErrSkipped }))

	d := NewDispatcher(r, Config{})
	res := d.Dispatch(context.Background(), testEnvelope("t", "e1"))

	assert.Equal(t, SkippedDuplicate, res.Outcome)
	assert.True(t, res.OK())
	assert.NoError(t, res.Err)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "processed", Processed.String())
	assert.Equal(t, "skipped_duplicate", SkippedDuplicate.String())
	assert.Equal(t, "failed", Failed.String())
}
