package health

import (
	"fmt"
	"time"

	"github.com/mudtools/MudFeishu-sub002/connection"
	"github.com/mudtools/MudFeishu-sub002/ingest"
)

// QueueDegradedUtilization is the fill ratio at which a queue reports degraded.
const QueueDegradedUtilization = 0.9

// FromConnectionStats maps the long-connection state onto a health level.
// Authenticated is healthy, any state on the way back is degraded, and a
// disconnected or closed manager is unhealthy.
func FromConnectionStats(name string, s connection.Stats) Status {
	var status Status
	switch s.State {
	case connection.Authenticated.String():
		status = NewHealthy(name, "long connection authenticated")
	case connection.Connecting.String(), connection.Authenticating.String(), connection.Reconnecting.String():
		status = NewDegraded(name, withError("long connection "+s.State, s.LastError))
	default:
		status = NewUnhealthy(name, withError("long connection "+s.State, s.LastError))
	}

	metrics := &Metrics{
		Uptime:          s.Uptime,
		Reconnects:      s.Reconnects,
		EventsProcessed: s.EventsProcessed,
		LastActivity:    s.LastActivity,
	}
	if s.Queue != nil {
		metrics.QueueDepth = s.Queue.Depth
		status = status.WithSubStatus(FromQueueStats(name+"-queue", *s.Queue))
		if status.IsHealthy() && status.SubStatuses[0].IsDegraded() {
			status.Status = LevelDegraded
			status.Healthy = false
			status.Message = status.SubStatuses[0].Message
		}
	}
	return status.WithMetrics(metrics)
}

// FromQueueStats reports degraded while producers are blocked or the queue is nearly
// full.
func FromQueueStats(name string, q ingest.QueueStats) Status {
	switch {
	case q.Blocked:
		return NewDegraded(name, "ingest queue full, reader blocked")
	case q.Utilization >= QueueDegradedUtilization:
		return NewDegraded(name, fmt.Sprintf("ingest queue %.0f%% full", q.Utilization*100))
	default:
		return NewHealthy(name, fmt.Sprintf("ingest queue depth %d/%d", q.Depth, q.Capacity))
	}
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

func withError(msg, lastErr string) string {
	if lastErr == "" {
		return msg
	}
	return msg + ": " + sanitizeErrorMessage(lastErr)
}

// Static returns a probe that always reports s, with a fresh timestamp.
func Static(s Status) Probe {
	return func() Status {
		s.Timestamp = time.Now()
		return s
	}
}
