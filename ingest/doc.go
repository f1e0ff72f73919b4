// Package ingest holds the socket-side handoff between the read loop and dispatch.
//
// Queue is a bounded FIFO of decoded envelopes. When it is full Enqueue blocks, so the
// read loop stops reading and the peer sees TCP backpressure instead of silent loss.
// Processor is the dedup-then-dispatch step shared by both ingress paths: it marks the
// event's dedup key as processing, dispatches, and then either completes the key or
// rolls it back so a redelivery can retry.
package ingest
