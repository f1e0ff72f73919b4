// Package cache provides a generic, thread-safe TTL cache with background expiry and
// atomic check-and-set operations.
package cache

import (
	"context"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Cache is a string-keyed store whose entries expire after a fixed TTL.
type Cache[V any] interface {
	// Get returns the value for key if present and not expired.
	Get(key string) (V, bool)

	// Set stores value under key and restarts its TTL. Returns true if the key was new.
	Set(key string, value V) (bool, error)

	// SetIfAbsent stores value only if key is absent or expired. The check and the
	// insert happen under one lock, so among concurrent callers exactly one wins.
	SetIfAbsent(key string, value V) (bool, error)

	// Update replaces the value of a live entry, keeping its expiry when keepTTL is set.
	// Returns false if the key is absent or expired.
	Update(key string, value V, keepTTL bool) (bool, error)

	// Delete removes key. Returns true if it existed.
	Delete(key string) (bool, error)

	// Size returns the number of stored entries, including expired ones not yet swept.
	Size() int

	// Keys returns the keys of live entries.
	Keys() []string

	Stats() *Statistics

	// Close stops the background sweep.
	Close() error
}

// EvictCallback is called, outside the cache lock, when an entry expires or is deleted.
type EvictCallback[V any] func(key string, value V)

// NewTTL creates a TTL cache that sweeps expired entries every cleanupInterval until
// ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	return newTTLCache(ctx, ttl, cleanupInterval, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
