package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feishu"

// Metrics is the injected collector for pipeline-level counters. Every Record method is
// a no-op on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	DuplicatesSkipped *prometheus.CounterVec
	HandlerErrors     *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	DedupStoreErrors  *prometheus.CounterVec
	ConnectionState   prometheus.Gauge
	Reconnects        prometheus.Counter
	FramesMalformed   prometheus.Counter
	WebhookRequests   *prometheus.CounterVec
	WebhookInFlight   prometheus.Gauge
}

// NewMetrics creates the pipeline metrics (unregistered)
func NewMetrics() *Metrics {
	return &Metrics{
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Events decoded from either ingress",
			},
			[]string{"transport", "event_type"},
		),

		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dispatched_total",
				Help:      "Dispatch outcomes (processed, skipped_duplicate, failed)",
			},
			[]string{"transport", "outcome"},
		),

		DuplicatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dedup",
				Name:      "duplicates_total",
				Help:      "Events skipped as duplicates, by dedup layer",
			},
			[]string{"layer"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "errors_total",
				Help:      "Handler invocations that returned an error or panicked",
			},
			[]string{"event_type"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Time spent dispatching one event to all its handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),

		DedupStoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dedup",
				Name:      "store_errors_total",
				Help:      "Distributed dedup store failures (treated as not-seen)",
			},
			[]string{"backend", "operation"},
		),

		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "state",
				Help:      "Long connection state (0=disconnected 1=connecting 2=authenticating 3=authenticated 4=reconnecting 5=closed)",
			},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts made by the connection manager",
			},
		),

		FramesMalformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "malformed_frames_total",
				Help:      "Socket frames that could not be decoded",
			},
		),

		WebhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Webhook requests by response code",
			},
			[]string{"code"},
		),

		WebhookInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "in_flight",
				Help:      "Webhook events currently being dispatched",
			},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.EventsReceived,
		c.EventsDispatched,
		c.DuplicatesSkipped,
		c.HandlerErrors,
		c.HandlerDuration,
		c.DedupStoreErrors,
		c.ConnectionState,
		c.Reconnects,
		c.FramesMalformed,
		c.WebhookRequests,
		c.WebhookInFlight,
	)
}

// RecordEventReceived increments the received counter
func (c *Metrics) RecordEventReceived(transport, eventType string) {
	if c == nil {
		return
	}
	c.EventsReceived.WithLabelValues(transport, eventType).Inc()
}

// RecordDispatch counts one dispatch outcome
func (c *Metrics) RecordDispatch(transport, outcome string) {
	if c == nil {
		return
	}
	c.EventsDispatched.WithLabelValues(transport, outcome).Inc()
}

// RecordDuplicate counts an event skipped by the named dedup layer
func (c *Metrics) RecordDuplicate(layer string) {
	if c == nil {
		return
	}
	c.DuplicatesSkipped.WithLabelValues(layer).Inc()
}

// RecordHandlerError increments the handler error counter
func (c *Metrics) RecordHandlerError(eventType string) {
	if c == nil {
		return
	}
	c.HandlerErrors.WithLabelValues(eventType).Inc()
}

// RecordHandlerDuration observes dispatch latency
func (c *Metrics) RecordHandlerDuration(eventType string, d time.Duration) {
	if c == nil {
		return
	}
	c.HandlerDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordStoreError counts a distributed dedup failure
func (c *Metrics) RecordStoreError(backend, operation string) {
	if c == nil {
		return
	}
	c.DedupStoreErrors.WithLabelValues(backend, operation).Inc()
}

// RecordConnectionState sets the connection state gauge
func (c *Metrics) RecordConnectionState(state int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(state))
}

// RecordReconnect increments the reconnect counter
func (c *Metrics) RecordReconnect() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

// RecordMalformedFrame increments the malformed frame counter
func (c *Metrics) RecordMalformedFrame() {
	if c == nil {
		return
	}
	c.FramesMalformed.Inc()
}

// RecordWebhookResponse counts a webhook response code
func (c *Metrics) RecordWebhookResponse(code string) {
	if c == nil {
		return
	}
	c.WebhookRequests.WithLabelValues(code).Inc()
}

// AddWebhookInFlight adjusts the in-flight gauge by delta
func (c *Metrics) AddWebhookInFlight(delta float64) {
	if c == nil {
		return
	}
	c.WebhookInFlight.Add(delta)
}
