package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mudtools/MudFeishu-sub002/metric"
)

// cacheMetrics mirrors Statistics into Prometheus. Methods are no-ops on nil.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feishu", Subsystem: "cache", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Lookups that found a live entry"),
		misses:    counter("misses_total", "Lookups that found nothing"),
		sets:      counter("sets_total", "Entries written"),
		deletes:   counter("deletes_total", "Entries deleted explicitly"),
		evictions: counter("evictions_total", "Entries removed by the expiry sweep"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feishu", Subsystem: "cache", Name: "size",
			Help: "Entries currently stored", ConstLabels: labels,
		}),
	}

	counters := []struct {
		name string
		c    prometheus.Counter
	}{
		{"cache_hits", m.hits},
		{"cache_misses", m.misses},
		{"cache_sets", m.sets},
		{"cache_deletes", m.deletes},
		{"cache_evictions", m.evictions},
	}
	for _, entry := range counters {
		if err := registry.RegisterCounter(prefix, entry.name, entry.c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordSet(size int) {
	if m != nil {
		m.sets.Inc()
		m.size.Set(float64(size))
	}
}

func (m *cacheMetrics) recordDelete(size int) {
	if m != nil {
		m.deletes.Inc()
		m.size.Set(float64(size))
	}
}

func (m *cacheMetrics) recordEvictions(n, size int) {
	if m != nil {
		m.evictions.Add(float64(n))
		m.size.Set(float64(size))
	}
}
