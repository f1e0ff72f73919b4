package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mudtools/MudFeishu-sub002/metric"
)

// Layered puts a Memory pre-filter in front of a DistributedStore. Local redeliveries
// never leave the process; first sightings are arbitrated by the store so that only
// one instance in a cluster processes a key. When the store fails the key is treated
// as unseen: duplicate processing is preferred over losing the event.
type Layered struct {
	local   *Memory
	store   DistributedStore
	ttl     time.Duration
	backend string
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewLayered combines local and store. ttl is passed to the store on every TrySet.
func NewLayered(local *Memory, store DistributedStore, ttl time.Duration, opts ...Option) *Layered {
	o := applyOptions(opts)

	backend := fmt.Sprintf("%T", store)
	if named, ok := store.(Named); ok {
		backend = named.Backend()
	}

	return &Layered{
		local:   local,
		store:   store,
		ttl:     ttl,
		backend: backend,
		logger:  o.logger.With("component", "dedup", "layer", "distributed", "backend", backend),
		metrics: o.registry.CoreMetrics(),
	}
}

// TryMarkProcessing implements Deduplicator.
func (l *Layered) TryMarkProcessing(ctx context.Context, key string) bool {
	if l.local.TryMarkProcessing(ctx, key) {
		return true
	}
	if key == "" {
		return false
	}

	set, err := l.store.TrySet(ctx, key, l.ttl)
	if err != nil {
		l.logger.Warn("Distributed dedup unavailable, treating event as unseen", "key", key, "error", err)
		l.metrics.RecordStoreError(l.backend, "try_set")
		return false
	}
	if !set {
		// Another instance owns the key. Drop the local record so a redelivery after
		// its rollback is arbitrated by the store again.
		l.local.RollbackProcessing(ctx, key)
		l.metrics.RecordDuplicate("distributed")
		return true
	}
	return false
}

// MarkCompleted implements Deduplicator.
func (l *Layered) MarkCompleted(ctx context.Context, key string) {
	l.local.MarkCompleted(ctx, key)

	completer, ok := l.store.(Completer)
	if !ok || key == "" {
		return
	}
	if err := completer.Complete(ctx, key, l.ttl); err != nil {
		l.logger.Warn("Failed to mark key completed in distributed store", "key", key, "error", err)
		l.metrics.RecordStoreError(l.backend, "complete")
	}
}

// RollbackProcessing implements Deduplicator.
func (l *Layered) RollbackProcessing(ctx context.Context, key string) {
	l.local.RollbackProcessing(ctx, key)
	if key == "" {
		return
	}
	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.Warn("Failed to roll back key in distributed store", "key", key, "error", err)
		l.metrics.RecordStoreError(l.backend, "delete")
	}
}

// Close stops the local sweep.
func (l *Layered) Close() error {
	return l.local.Close()
}
