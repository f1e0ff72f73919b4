// Package buffer implements a bounded circular buffer with three overflow policies.
//
//   - DropOldest evicts the head to make room (telemetry-style buffers).
//   - DropNewest discards the incoming item.
//   - Block parks the writer on a condition variable until a reader frees a slot.
//
// Block is the policy the socket ingest path relies on: when the consumer falls behind,
// the read loop stalls in WriteContext, stops reading the socket, and the peer sees TCP
// backpressure instead of silent loss. WriteContext returns ctx.Err() if the context is
// cancelled while waiting, and BlockedWriters lets the caller tell a stalled producer
// from a dead peer.
//
//	buf, err := buffer.NewCircularBuffer[*envelope.Envelope](1000,
//	    buffer.WithOverflowPolicy[*envelope.Envelope](buffer.Block),
//	    buffer.WithMetrics[*envelope.Envelope](registry, "ingest"),
//	)
//
// Statistics are always collected; Prometheus export is opt-in via WithMetrics.
package buffer
