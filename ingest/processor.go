package ingest

import (
	"context"
	"log/slog"

	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
)

// EventDispatcher is the dispatch step. *dispatch.Dispatcher implements it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) dispatch.Result
}

// Processor runs transport-level dedup around dispatch.
type Processor struct {
	dedup      dedup.Deduplicator
	dispatcher EventDispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// NewProcessor creates a processor. registry may be nil.
func NewProcessor(d dedup.Deduplicator, dispatcher EventDispatcher, logger *slog.Logger, registry *metric.MetricsRegistry) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		dedup:      d,
		dispatcher: dispatcher,
		logger:     logger.With("component", "processor"),
		metrics:    registry.CoreMetrics(),
	}
}

// Process dispatches env unless its dedup key was already seen. A failed dispatch
// rolls the key back; anything else completes it.
func (p *Processor) Process(ctx context.Context, env *envelope.Envelope) dispatch.Result {
	transport := string(env.Transport)
	p.metrics.RecordEventReceived(transport, env.EventType)

	if p.dedup.TryMarkProcessing(ctx, env.DedupKey) {
		p.logger.Debug("Skipping duplicate event",
			"event_type", env.EventType,
			"dedup_key", env.DedupKey,
			"transport", transport)
		p.metrics.RecordDispatch(transport, dispatch.SkippedDuplicate.String())
		return dispatch.Result{Outcome: dispatch.SkippedDuplicate}
	}

	result := p.dispatcher.Dispatch(ctx, env)

	// the key outlives a cancelled request or shutdown
	bg := context.WithoutCancel(ctx)
	if result.Outcome == dispatch.Failed {
		p.dedup.RollbackProcessing(bg, env.DedupKey)
	} else {
		p.dedup.MarkCompleted(bg, env.DedupKey)
	}
	return result
}

// ResultFunc observes the result of each consumed envelope.
type ResultFunc func(env *envelope.Envelope, result dispatch.Result)

// Consume processes envelopes from q in order until ctx is done or q is closed and
// drained. It returns nil on a clean drain.
func (p *Processor) Consume(ctx context.Context, q *Queue, onResult ResultFunc) error {
	for {
		env, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, errors.ErrShuttingDown) {
				return nil
			}
			return err
		}

		result := p.Process(ctx, env)
		if onResult != nil {
			onResult(env, result)
		}
	}
}
