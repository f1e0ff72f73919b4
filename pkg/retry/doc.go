// Package retry provides exponential backoff for transient failures.
//
// Do wraps a single operation such as creating a KV bucket or pinging Redis:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Ping(ctx).Err()
//	})
//
// Errors classified as fatal or invalid, or wrapped with NonRetryable, end the loop
// immediately.
//
// Backoff is the bare delay sequence used by the long-connection supervisor, which owns
// its own attempt budget and reset policy:
//
//	b := retry.NewBackoff(time.Second, 30*time.Second, 2)
//	delay := b.Next() // 1s, 2s, 4s, ... 30s, 30s
//	b.Reset()         // after a stable session
package retry
