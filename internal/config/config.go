package config

import (
	"time"

	"github.com/postpace/postpace/internal/core"
)

// Config represents the complete application configuration.
// Precedence: runtime overrides > POSTPACE_* environment > config file > defaults.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Governor    GovernorConfig    `mapstructure:"governor"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration.
//   - SIMPLE: console output only (CLI commands)
//   - STRUCTURED: JSON output with correlation IDs (serve)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus endpoint port
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// QueueConfig controls retries, dedup and the posting window.
type QueueConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`

	DedupThreshold   float64 `mapstructure:"dedup_threshold"`
	DedupPrefixLimit int     `mapstructure:"dedup_prefix_limit"`

	PostingWindow PostingWindowConfig `mapstructure:"posting_window"`
}

// PostingWindowConfig limits dispatch to [StartHour, EndHour) in Timezone.
type PostingWindowConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	StartHour int    `mapstructure:"start_hour"`
	EndHour   int    `mapstructure:"end_hour"`
	Timezone  string `mapstructure:"timezone"`
}

// CoordinatorConfig tunes the dispatch loop run by serve.
type CoordinatorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	IdleBackoffMax  time.Duration `mapstructure:"idle_backoff_max"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// PublisherConfig selects the publisher implementation.
type PublisherConfig struct {
	// Kind is "dryrun" or "webhook"
	Kind    string        `mapstructure:"kind"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig configures the webhook relay publisher.
type WebhookConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// RetryMax bounds redials when the relay cannot be reached. Responses are never retried.
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

// GovernorConfig declares endpoint limits. Preset limits are applied first, then
// the limits file, then Endpoints and Daily.
type GovernorConfig struct {
	Preset       string                `mapstructure:"preset"`
	SafetyMargin float64               `mapstructure:"safety_margin"`
	LimitsFile   string                `mapstructure:"limits_file"`
	Endpoints    []core.EndpointConfig `mapstructure:"endpoints"`
	Daily        []DailyLimitConfig    `mapstructure:"daily"`
}

// DailyLimitConfig routes an endpoint to a named daily bucket.
type DailyLimitConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Bucket   string `mapstructure:"bucket"`
	Limit    int    `mapstructure:"limit"`
}
