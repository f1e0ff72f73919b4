// Package cache provides a TTL cache with a background expiry sweep.
//
// Besides plain Get/Set/Delete it offers two atomic operations the dedup layer builds
// on: SetIfAbsent, where exactly one of several racing callers inserts, and Update,
// which changes the value of a live entry in place. An expired entry counts as absent
// for both, even before the sweep removes it.
//
//	c, err := cache.NewTTL[state](ctx, 24*time.Hour, 5*time.Minute,
//	    cache.WithMetrics[state](registry, "dedup"),
//	)
//	inserted, _ := c.SetIfAbsent(eventID, processing)
//
// The sweep goroutine exits when ctx is cancelled or Close is called.
package cache
