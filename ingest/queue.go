package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
	"github.com/mudtools/MudFeishu-sub002/pkg/buffer"
)

// DefaultPollInterval is how often an idle consumer re-checks the queue.
const DefaultPollInterval = 10 * time.Millisecond

// QueueConfig sizes the queue.
type QueueConfig struct {
	Capacity     int
	PollInterval time.Duration
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Depth       int     `json:"depth"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
	Enqueued    int64   `json:"enqueued"`
	Dequeued    int64   `json:"dequeued"`
	Blocks      int64   `json:"blocks"`
	Blocked     bool    `json:"blocked"`
}

// Queue is a bounded FIFO with one producer and one consumer.
type Queue struct {
	buf   buffer.Buffer[*envelope.Envelope]
	poll  time.Duration
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewQueue creates a queue. A nil registry disables buffer metrics.
func NewQueue(cfg QueueConfig, registry *metric.MetricsRegistry) (*Queue, error) {
	if cfg.Capacity < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Queue", "NewQueue", "capacity must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	buf, err := buffer.NewCircularBuffer(cfg.Capacity,
		buffer.WithOverflowPolicy[*envelope.Envelope](buffer.Block),
		buffer.WithMetrics[*envelope.Envelope](registry, "ingest"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Queue", "NewQueue", "buffer creation")
	}

	return &Queue{
		buf:   buf,
		poll:  cfg.PollInterval,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}, nil
}

// Enqueue appends env, blocking while the queue is full. It fails if ctx is done or
// the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := q.buf.WriteContext(ctx, env); err != nil {
		return err
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue returns the oldest envelope, waiting while the queue is empty. After Close
// it keeps returning queued envelopes and then errors.ErrShuttingDown.
func (q *Queue) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if env, ok := q.buf.Read(); ok {
			return env, nil
		}

		select {
		case <-q.done:
			if env, ok := q.buf.Read(); ok {
				return env, nil
			}
			return nil, errors.ErrShuttingDown
		default:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.ready:
		case <-ticker.C:
		}
	}
}

// Blocked reports whether the producer is waiting for space.
func (q *Queue) Blocked() bool {
	return q.buf.BlockedWriters() > 0
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	return q.buf.Size()
}

// Capacity returns the queue bound.
func (q *Queue) Capacity() int {
	return q.buf.Capacity()
}

// Stats returns depth, capacity and throughput counters.
func (q *Queue) Stats() QueueStats {
	s := q.buf.Stats()
	return QueueStats{
		Depth:       q.buf.Size(),
		Capacity:    q.buf.Capacity(),
		Utilization: s.Utilization(int64(q.buf.Capacity())),
		Enqueued:    s.Writes(),
		Dequeued:    s.Reads(),
		Blocks:      s.Blocks(),
		Blocked:     q.Blocked(),
	}
}

// Close stops accepting envelopes and wakes a blocked producer. Queued envelopes
// remain readable.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		err = q.buf.Close()
	})
	return err
}
