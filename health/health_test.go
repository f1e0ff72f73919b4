package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/ingest"
)

func TestFromConnectionStats(t *testing.T) {
	tests := []struct {
		state string
		level string
	}{
		{connection.Authenticated.String(), LevelHealthy},
		{connection.Connecting.String(), LevelDegraded},
		{connection.Authenticating.String(), LevelDegraded},
		{connection.Reconnecting.String(), LevelDegraded},
		{connection.Disconnected.String(), LevelUnhealthy},
		{connection.Closed.String(), LevelUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			s := FromConnectionStats("socket", connection.Stats{State: tt.state, Reconnects: 2})
			assert.Equal(t, tt.level, s.Status)
			assert.Equal(t, tt.level == LevelHealthy, s.Healthy)
			require.NotNil(t, s.Metrics)
			assert.EqualValues(t, 2, s.Metrics.Reconnects)
		})
	}
}

func TestFromConnectionStats_HidesEndpointInError(t *testing.T) {
	s := FromConnectionStats("socket", connection.Stats{
		State:     connection.Reconnecting.String(),
		LastError: "dial wss://msg-frontier.feishu.cn/ws/v2?ticket=abc123: connection refused",
	})
	assert.NotContains(t, s.Message, "abc123")
	assert.NotContains(t, s.Message, "msg-frontier")
	assert.Contains(t, s.Message, "connection refused")
}

func TestFromConnectionStats_FullQueueDegrades(t *testing.T) {
	s := FromConnectionStats("socket", connection.Stats{
		State: connection.Authenticated.String(),
		Queue: &ingest.QueueStats{Depth: 10, Capacity: 10, Utilization: 1, Blocked: true},
	})
	assert.True(t, s.IsDegraded())
	require.Len(t, s.SubStatuses, 1)
	assert.Equal(t, "socket-queue", s.SubStatuses[0].Component)
	assert.Equal(t, 10, s.Metrics.QueueDepth)
}

func TestFromQueueStats(t *testing.T) {
	assert.True(t, FromQueueStats("q", ingest.QueueStats{Depth: 1, Capacity: 10, Utilization: 0.1}).IsHealthy())
	assert.True(t, FromQueueStats("q", ingest.QueueStats{Depth: 9, Capacity: 10, Utilization: 0.9}).IsDegraded())
	assert.True(t, FromQueueStats("q", ingest.QueueStats{Blocked: true}).IsDegraded())
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")}).IsDegraded())

	s := Aggregate("sys", []Status{NewUnhealthy("a", ""), NewDegraded("b", ""), NewHealthy("c", "")})
	assert.True(t, s.IsUnhealthy())
	assert.Len(t, s.SubStatuses, 3)
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	original := NewHealthy("parent", "").WithSubStatus(NewHealthy("child1", ""))
	modified := original.WithSubStatus(NewUnhealthy("child2", ""))

	original.SubStatuses[0].Status = LevelDegraded
	assert.Len(t, original.SubStatuses, 1)
	assert.Len(t, modified.SubStatuses, 2)
	assert.Equal(t, LevelHealthy, modified.SubStatuses[0].Status)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"websocket url", "dial wss://example.com/ws?ticket=t failed", "dial [URL] failed"},
		{"redis url", "cannot reach redis://cache:6379/0", "cannot reach [URL]"},
		{"ip and port", "timeout connecting to 10.1.2.3:6379", "timeout connecting to [IP]"},
		{"credential", "auth failed with app_secret=abc", "auth failed with app_[REDACTED]"},
		{"plain", "heartbeat timeout", "heartbeat timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestMonitor_EvaluatesProbesOnDemand(t *testing.T) {
	m := NewMonitor()
	state := connection.Authenticated.String()
	m.Register("socket", func() Status {
		return FromConnectionStats("ignored", connection.Stats{State: state})
	})
	m.Register("webhook", Static(NewHealthy("", "serving")))
	m.Register("nil", nil)

	assert.Equal(t, []string{"socket", "webhook"}, m.ListComponents())

	s, ok := m.Get("socket")
	require.True(t, ok)
	assert.Equal(t, "socket", s.Component)
	assert.True(t, s.IsHealthy())

	state = connection.Closed.String()
	assert.True(t, m.AggregateHealth("feishustream").IsUnhealthy())

	m.Remove("socket")
	assert.True(t, m.AggregateHealth("feishustream").IsHealthy())

	_, ok = m.Get("socket")
	assert.False(t, ok)
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	level := LevelHealthy
	m.Register("socket", func() Status { return newStatus("", level, "x") })
	h := Handler(m, "feishustream")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "feishustream", body.Component)
	assert.WithinDuration(t, time.Now(), body.Timestamp, time.Minute)

	level = LevelDegraded
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	level = LevelUnhealthy
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, rec.Body.Len())
}
