// Package metric provides the Prometheus registry shared by every pipeline component.
//
// NewMetricsRegistry builds a private prometheus.Registry holding the core pipeline
// metrics (Metrics), the Go runtime collector and the process collector. Components that
// need their own collectors (the ingest buffer, the dedup cache) register them through
// the MetricsRegistrar interface, keyed by component and metric name so a second
// registration of the same pair fails with an invalid-class error instead of panicking.
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordEventReceived("socket", "im.message.receive_v1")
//
//	router.Handle("/metrics", registry.Handler())
//
// Metrics methods tolerate a nil receiver. Handlers that want their own counters get
// the *Metrics instance injected rather than reaching for package state.
package metric
