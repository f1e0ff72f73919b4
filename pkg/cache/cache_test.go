package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, opts ...Option[string]) (*ttlCache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append(opts, WithClock[string](clock.Now))
	c, err := NewTTL[string](context.Background(), ttl, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*ttlCache[string]), clock
}

func TestTTLCache_SetGetDelete(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	created, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCache_EmptyKeyRejected(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	_, err := c.Set("", "x")
	assert.Error(t, err)
	_, err = c.SetIfAbsent("", "x")
	assert.Error(t, err)
}

func TestTTLCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)

	_, _ = c.Set("a", "1")
	clock.Advance(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must be dead at exactly ttl")
	assert.Empty(t, c.Keys())
	assert.Equal(t, 1, c.Size(), "not swept yet")

	assert.Equal(t, 1, c.removeExpired())
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestTTLCache_SetIfAbsent(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)

	inserted, err := c.SetIfAbsent("k", "first")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = c.SetIfAbsent("k", "second")
	require.NoError(t, err)
	assert.False(t, inserted)

	v, _ := c.Get("k")
	assert.Equal(t, "first", v)

	clock.Advance(time.Minute)
	inserted, err = c.SetIfAbsent("k", "third")
	require.NoError(t, err)
	assert.True(t, inserted, "expired entry counts as absent")
}

func TestTTLCache_SetIfAbsentSingleWinner(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	const racers = 64
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := c.SetIfAbsent("event-1", "processing"); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestTTLCache_Update(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)

	ok, err := c.Update("missing", "x", true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _ = c.Set("k", "processing")
	clock.Advance(30 * time.Second)

	ok, err = c.Update("k", "completed", true)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	_, alive := c.Get("k")
	assert.False(t, alive, "keepTTL must preserve the original expiry")

	_, _ = c.Set("j", "processing")
	clock.Advance(30 * time.Second)
	_, _ = c.Update("j", "completed", false)
	clock.Advance(45 * time.Second)
	v, alive := c.Get("j")
	assert.True(t, alive, "refreshing update restarts the ttl")
	assert.Equal(t, "completed", v)
}

func TestTTLCache_EvictionCallback(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c, clock := newTestCache(t, time.Minute, WithEvictionCallback[string](func(key string, _ string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")
	_, _ = c.Delete("a")
	clock.Advance(2 * time.Minute)
	c.removeExpired()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
}

func TestTTLCache_BackgroundSweep(t *testing.T) {
	c, err := NewTTL[int](context.Background(), 20*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("a", 1)
	require.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTTLCache_ContextStopsSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewTTL[int](ctx, time.Minute, time.Millisecond)
	require.NoError(t, err)

	cancel()
	assert.NoError(t, c.Close())
}

func TestTTLCache_InvalidTTL(t *testing.T) {
	_, err := NewTTL[int](context.Background(), 0, time.Second)
	assert.Error(t, err)
}

func TestTTLCache_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewTTL[int](context.Background(), time.Minute, time.Minute, WithMetrics[int](registry, "dedup"))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.SetIfAbsent("a", 1)
	_, _ = c.SetIfAbsent("a", 1)

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.InDelta(t, 0.5, c.Stats().HitRatio(), 0.001)

	_, err = NewTTL[int](context.Background(), time.Minute, time.Minute, WithMetrics[int](registry, "dedup"))
	assert.Error(t, err)
}
