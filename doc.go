// Package mudfeishu receives Feishu (Lark) open-platform events and dispatches them to
// business handlers exactly once per event id.
//
// Events arrive over two transports that can run side by side:
//
//   - connection: an outbound long connection (WebSocket) with frame auth, heartbeats
//     and exponential reconnect
//   - webhook: an HTTP callback gateway with signature checks, AES decryption and the
//     url_verification challenge
//
// Both feed one ingest.Processor, which asks a dedup.Deduplicator whether the event was
// already seen and hands it to a dispatch.Dispatcher. Deduplication is in memory by
// default and can be layered over Redis or a NATS KV bucket when several instances
// share a subscription.
//
// # Packages
//
//   - envelope: frame codec and the normalized event envelope
//   - dedup: in-memory, Redis and NATS deduplication
//   - ingest: the bounded ordering queue and the processor
//   - dispatch: the handler registry, dispatcher and idempotent handler wrapper
//   - connection, credentials: the long connection and its endpoint/token source
//   - webhook: the callback gateway
//   - config: layered JSON/YAML configuration with FEISHU_* overrides
//   - pipeline: wires everything from a config.Config
//   - health, metric: status probes and Prometheus metrics
//   - errors: classified errors (transient, invalid, fatal)
//
// The cmd/feishustream binary serves a pipeline from configuration files.
package mudfeishu
