package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

type ttlCache[V any] struct {
	mu              sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	now             func() time.Time
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTTLCache[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions[V]) (*ttlCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newTTLCache", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		now:             opts.now,
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	entry, ok := c.live(key)
	c.mu.Unlock()

	if !ok {
		c.stats.Miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return entry.value, true
}

// live returns the entry for key if it has not expired. Caller holds c.mu.
func (c *ttlCache[V]) live(key string) (*ttlEntry[V], bool) {
	entry, ok := c.items[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, existed := c.live(key)
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return !existed, nil
}

func (c *ttlCache[V]) SetIfAbsent(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	if _, ok := c.live(key); ok {
		c.mu.Unlock()
		c.stats.Hit()
		c.metrics.recordHit()
		return false, nil
	}
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Miss()
	c.metrics.recordMiss()
	c.recordSet(size)
	return true, nil
}

func (c *ttlCache[V]) Update(key string, value V, keepTTL bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, ok := c.live(key)
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	entry.value = value
	if !keepTTL {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return true, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordDelete(size)
	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	return true, nil
}

func (c *ttlCache[V]) recordSet(size int) {
	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet(size)
}

func (c *ttlCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired sweeps expired entries and returns how many were removed.
func (c *ttlCache[V]) removeExpired() int {
	now := c.now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	for _, entry := range expired {
		c.stats.Eviction()
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(int64(size))
	c.metrics.recordEvictions(len(expired), size)
	return len(expired)
}
