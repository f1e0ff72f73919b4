package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Probe computes a component status on demand.
type Probe func() Status

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		probes: make(map[string]Probe),
	}
}

// Register adds or replaces the probe for name.
func (m *Monitor) Register(name string, probe Probe) {
	if probe == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, name)
}

// Get evaluates the probe for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	probe, ok := m.probes[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.evaluate(name, probe), true
}

// ListComponents returns the registered names in sorted order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth evaluates every probe and rolls the results up.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, s)
		}
	}
	return Aggregate(systemName, subStatuses)
}

func (m *Monitor) evaluate(name string, probe Probe) Status {
	s := probe()
	s.Component = name
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s
}

// Handler serves the aggregate status as JSON. Unhealthy answers 503.
func Handler(m *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.AggregateHealth(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		if r.Method != http.MethodHead {
			_ = json.NewEncoder(w).Encode(status)
		}
	})
}
