// Package dedup tracks which event keys are being processed or already completed, so
// that redeliveries from either ingress are skipped.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/mudtools/MudFeishu-sub002/metric"
)

// Deduplicator is the Processing/Completed/Rollback protocol shared by transport-level
// dedup and the handler idempotency wrapper.
type Deduplicator interface {
	// TryMarkProcessing records key as Processing. It returns true when the key is
	// already Processing or Completed, in which case the caller must skip the event.
	// Among concurrent callers with the same key exactly one sees false.
	TryMarkProcessing(ctx context.Context, key string) bool

	// MarkCompleted moves key from Processing to Completed.
	MarkCompleted(ctx context.Context, key string)

	// RollbackProcessing forgets key so a later redelivery is processed again.
	RollbackProcessing(ctx context.Context, key string)
}

// DistributedStore is a shared key-value backend with atomic set-if-absent.
type DistributedStore interface {
	// TrySet stores key with the given ttl if it is absent. Returns true if it was set.
	TrySet(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Completer is implemented by stores that distinguish Processing from Completed.
type Completer interface {
	Complete(ctx context.Context, key string, ttl time.Duration) error
}

// Named is implemented by stores that report a backend label for logs and metrics.
type Named interface {
	Backend() string
}

// Config holds the expiry settings shared by all backends.
type Config struct {
	// Expiration is how long a key is remembered.
	Expiration time.Duration
	// CleanupInterval is how often the in-memory sweep runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns a 24h memory with a 5 minute sweep.
func DefaultConfig() Config {
	return Config{
		Expiration:      24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	now      func() time.Time
}

// Option configures a Memory or Layered deduplicator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports duplicates and store failures to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithClock overrides the time source of the in-memory record table.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
