package dedup

import (
	"context"
	"log/slog"

	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
	"github.com/mudtools/MudFeishu-sub002/pkg/cache"
)

type recordState uint8

const (
	stateProcessing recordState = iota + 1
	stateCompleted
)

// Memory is the in-process Deduplicator: a TTL table of key -> Processing|Completed
// swept in the background.
type Memory struct {
	records cache.Cache[recordState]
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewMemory creates an in-memory deduplicator. The sweep stops when ctx is cancelled
// or Close is called.
func NewMemory(ctx context.Context, cfg Config, opts ...Option) (*Memory, error) {
	o := applyOptions(opts)

	if cfg.Expiration <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Memory", "NewMemory", "expiration must be positive")
	}

	cacheOpts := []cache.Option[recordState]{cache.WithMetrics[recordState](o.registry, "dedup")}
	if o.now != nil {
		cacheOpts = append(cacheOpts, cache.WithClock[recordState](o.now))
	}

	records, err := cache.NewTTL[recordState](ctx, cfg.Expiration, cfg.CleanupInterval, cacheOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Memory", "NewMemory", "record table")
	}

	return &Memory{
		records: records,
		logger:  o.logger.With("component", "dedup", "layer", "memory"),
		metrics: o.registry.CoreMetrics(),
	}, nil
}

// TryMarkProcessing implements Deduplicator. An empty key is never a duplicate.
func (m *Memory) TryMarkProcessing(_ context.Context, key string) bool {
	inserted, err := m.records.SetIfAbsent(key, stateProcessing)
	if err != nil {
		m.logger.Debug("Dedup key rejected, processing without dedup", "error", err)
		return false
	}
	if !inserted {
		m.metrics.RecordDuplicate("memory")
		return true
	}
	return false
}

// MarkCompleted implements Deduplicator. The completed record lives for a full
// expiration from now.
func (m *Memory) MarkCompleted(_ context.Context, key string) {
	if key == "" {
		return
	}
	if ok, _ := m.records.Update(key, stateCompleted, false); !ok {
		// expired while the handler ran; remember the completion anyway
		_, _ = m.records.Set(key, stateCompleted)
	}
}

// RollbackProcessing implements Deduplicator.
func (m *Memory) RollbackProcessing(_ context.Context, key string) {
	if key == "" {
		return
	}
	_, _ = m.records.Delete(key)
}

// IsCompleted reports whether key has a live Completed record.
func (m *Memory) IsCompleted(key string) bool {
	state, ok := m.records.Get(key)
	return ok && state == stateCompleted
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	return m.records.Size()
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	return m.records.Close()
}
