package core

import "time"

// BreakerState is the circuit breaker state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// DenyReason explains why the governor refused an action.
type DenyReason string

const (
	ReasonNone               DenyReason = ""
	ReasonRateLimitExceeded  DenyReason = "rate_limit_exceeded"
	ReasonDailyLimitExceeded DenyReason = "daily_limit_exceeded"
	ReasonCircuitBreakerOpen DenyReason = "circuit_breaker_open"
)

// Decision is the outcome of a governor check or acquire.
type Decision struct {
	Endpoint       string        `json:"endpoint"`
	Allowed        bool          `json:"allowed"`
	Reason         DenyReason    `json:"reason,omitempty"`
	Remaining      int           `json:"remaining"`
	ResetAfter     time.Duration `json:"reset_after"`
	BreakerState   BreakerState  `json:"breaker_state"`
	DailyRemaining *int          `json:"daily_remaining,omitempty"`
	Configured     bool          `json:"configured"`
}

// EndpointConfig declares the guards for one endpoint key.
type EndpointConfig struct {
	Endpoint         string        `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	MaxRequests      int           `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	Window           time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	BurstSize        int           `json:"burst_size" yaml:"burst_size" mapstructure:"burst_size"`
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `json:"breaker_timeout" yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

// BreakerSnapshot captures circuit breaker fields for persistence.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	HalfOpenCalls int          `json:"half_open_calls"`
	LastFailure   time.Time    `json:"last_failure"`
}

// EndpointSnapshot is the durable form of one endpoint's guard state.
type EndpointSnapshot struct {
	Config     EndpointConfig  `json:"config"`
	Timestamps []time.Time     `json:"timestamps"`
	Breaker    BreakerSnapshot `json:"breaker"`
	Backoff    time.Time       `json:"backoff_until,omitempty"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DailyBucket is a named daily ceiling shared by one or more endpoints.
type DailyBucket struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Limit int    `json:"limit" yaml:"limit" mapstructure:"limit"`
}

// DailyUsage reports one bucket's usage for a date.
type DailyUsage struct {
	Date      string  `json:"date"`
	Bucket    string  `json:"bucket"`
	Used      int     `json:"used"`
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// RateLimitEvent is an audit record of a notable governor decision.
type RateLimitEvent struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EndpointStatus is the operator view of an endpoint.
type EndpointStatus struct {
	Endpoint        string        `json:"endpoint"`
	MaxRequests     int           `json:"max_requests"`
	Window          time.Duration `json:"window"`
	Remaining       int           `json:"remaining"`
	UsagePercent    float64       `json:"usage_percent"`
	ResetAfter      time.Duration `json:"reset_after"`
	BucketTokens    int           `json:"bucket_tokens"`
	BreakerState    BreakerState  `json:"breaker_state"`
	BreakerFailures int           `json:"breaker_failures"`
	Allowed         int64         `json:"allowed"`
	Denied          int64         `json:"denied"`
	Errors          int64         `json:"errors"`
}

// GovernorStats aggregates counters across endpoints.
type GovernorStats struct {
	TotalAllowed        int64            `json:"total_allowed"`
	TotalDenied         int64            `json:"total_denied"`
	TotalErrors         int64            `json:"total_errors"`
	DenyRate            float64          `json:"deny_rate"`
	ConfiguredEndpoints int              `json:"configured_endpoints"`
	OpenBreakers        int              `json:"open_breakers"`
	TopThrottled        []EndpointStatus `json:"top_throttled,omitempty"`
	Endpoints           []EndpointStatus `json:"endpoints"`
}

// GovernorHealth surfaces systemic throttling.
type GovernorHealth struct {
	Healthy        bool     `json:"healthy"`
	Issues         []string `json:"issues"`
	Warnings       []string `json:"warnings"`
	EndpointsCount int      `json:"endpoints_count"`
	ActiveBreakers int      `json:"active_breakers"`
}
