package metrics

import (
	"time"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/observability"
)

// Engine metric names
const (
	AdmissionsTotal     = "governor_admissions_total"
	DispatchTotal       = "coordinator_dispatch_total"
	DispatchDuration    = "coordinator_dispatch_duration_ms"
	TransitionsTotal    = "queue_transitions_total"
	QueueDepth          = "queue_items"
	BreakerState        = "governor_breaker_state"
	EndpointRemaining   = "governor_endpoint_remaining"
	DailyUsageRemaining = "governor_daily_remaining"

	ServerStartTime = "app_server_start_time_seconds"
)

// Recorder forwards engine events to the global telemetry system.
type Recorder struct{}

var _ engine.Recorder = Recorder{}

func (Recorder) RecordAdmission(endpoint string, decision core.Decision) {
	if observability.TelemetrySystem == nil {
		return
	}
	result := "allowed"
	if !decision.Allowed {
		result = "denied"
	}
	reason := string(decision.Reason)
	if reason == "" {
		reason = "none"
	}
	_ = observability.TelemetrySystem.Counter(AdmissionsTotal, 1, map[string]string{
		"endpoint": endpoint,
		"result":   result,
		"reason":   reason,
	})
	if decision.Configured {
		_ = observability.TelemetrySystem.Gauge(EndpointRemaining, float64(decision.Remaining), map[string]string{
			"endpoint": endpoint,
		})
	}
}

func (Recorder) RecordDispatch(action core.Action, outcome string, elapsed time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{
		"action":  string(action),
		"outcome": outcome,
	}
	_ = observability.TelemetrySystem.Counter(DispatchTotal, 1, labels)
	_ = observability.TelemetrySystem.Histogram(DispatchDuration, elapsed, labels)
}

func (Recorder) RecordTransition(from, to core.ItemStatus) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(TransitionsTotal, 1, map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}

// RecordQueueStats publishes per-status queue depth.
func RecordQueueStats(stats core.QueueStats) {
	if observability.TelemetrySystem == nil {
		return
	}
	for status, count := range stats.ByStatus {
		_ = observability.TelemetrySystem.Gauge(QueueDepth, float64(count), map[string]string{
			"status": string(status),
		})
	}
}

// RecordGovernorStats publishes breaker state per endpoint: 0 closed, 1 half open, 2 open.
func RecordGovernorStats(stats core.GovernorStats) {
	if observability.TelemetrySystem == nil {
		return
	}
	for _, endpoint := range stats.Endpoints {
		_ = observability.TelemetrySystem.Gauge(BreakerState, breakerValue(endpoint.BreakerState), map[string]string{
			"endpoint": endpoint.Endpoint,
		})
	}
}

// RecordDailyUsage publishes remaining capacity per daily bucket.
func RecordDailyUsage(usage []core.DailyUsage) {
	if observability.TelemetrySystem == nil {
		return
	}
	for _, u := range usage {
		_ = observability.TelemetrySystem.Gauge(DailyUsageRemaining, float64(u.Remaining), map[string]string{
			"bucket": u.Bucket,
		})
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}

func breakerValue(state core.BreakerState) float64 {
	switch state {
	case core.BreakerOpen:
		return 2
	case core.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
