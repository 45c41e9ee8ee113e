// Package config provides centralized configuration management for postpace.
// Values are layered with viper:
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: YAML config file (--config or the XDG config directory)
// Layer 3: POSTPACE_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config, data and binary paths.
	AppName = "postpace"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "POSTPACE"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// envAliases maps short environment names onto config keys. Every key is also
// reachable as POSTPACE_<SECTION>_<KEY>.
var envAliases = map[string]string{
	"server.host":             "HOST",
	"server.port":             "PORT",
	"server.read_timeout":     "READ_TIMEOUT",
	"server.write_timeout":    "WRITE_TIMEOUT",
	"server.idle_timeout":     "IDLE_TIMEOUT",
	"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
	"logging.level":           "LOG_LEVEL",
	"logging.profile":         "LOG_PROFILE",
	"store.driver":            "DB_DRIVER",
	"store.path":              "DB_PATH",
	"store.url":               "DB_URL",
	"store.auth_token":        "DB_AUTH_TOKEN",
	"publisher.webhook.token": "WEBHOOK_TOKEN",
	"governor.safety_margin":  "RATE_LIMIT_MARGIN",
}

// Options controls where Load looks for values.
type Options struct {
	// ConfigFile is an explicit config path. Missing explicit files are an error.
	ConfigFile string
	// SearchPaths replaces the default config directories when set.
	SearchPaths []string
}

// SetDefaults registers default configuration values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Queue defaults
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_base_delay", "60s")
	v.SetDefault("queue.retry_max_delay", "1h")
	v.SetDefault("queue.dedup_threshold", 0.8)
	v.SetDefault("queue.dedup_prefix_limit", 200)
	v.SetDefault("queue.posting_window.enabled", false)
	v.SetDefault("queue.posting_window.start_hour", 9)
	v.SetDefault("queue.posting_window.end_hour", 21)
	v.SetDefault("queue.posting_window.timezone", "UTC")

	// Coordinator defaults
	v.SetDefault("coordinator.enabled", true)
	v.SetDefault("coordinator.poll_interval", "1s")
	v.SetDefault("coordinator.idle_backoff_max", "30s")
	v.SetDefault("coordinator.dispatch_timeout", "30s")

	// Publisher defaults
	v.SetDefault("publisher.kind", "dryrun")
	v.SetDefault("publisher.webhook.url", "")
	v.SetDefault("publisher.webhook.token", "")
	v.SetDefault("publisher.webhook.timeout", "15s")
	v.SetDefault("publisher.webhook.retry_max", 3)
	v.SetDefault("publisher.webhook.retry_wait_min", "1s")
	v.SetDefault("publisher.webhook.retry_wait_max", "30s")

	// Governor defaults
	v.SetDefault("governor.preset", "twitter-v2")
	v.SetDefault("governor.safety_margin", 0.9)
	v.SetDefault("governor.limits_file", "")
	v.SetDefault("governor.endpoints", []any{})
	v.SetDefault("governor.daily", []any{})
}

// Load loads configuration using the layered pattern and stores it for GetConfig.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, opts Options, runtimeOverrides ...map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		long := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(key, long, EnvPrefix+"_"+alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := readConfigFile(v, opts); err != nil {
		return nil, err
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg, err := decode(v.AllSettings())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

func readConfigFile(v *viper.Viper, opts Options) error {
	if file := strings.TrimSpace(opts.ConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", file, err)
		}
		return nil
	}

	paths := opts.SearchPaths
	if len(paths) == 0 {
		if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
			paths = append(paths, dir)
		}
		paths = append(paths, "./config")
	}
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// It's OK if config file doesn't exist, we have defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, values map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Governor.SafetyMargin < 0 || c.Governor.SafetyMargin > 1:
		return fmt.Errorf("governor.safety_margin must be within (0, 1]: %v", c.Governor.SafetyMargin)
	case c.Queue.DedupThreshold < 0 || c.Queue.DedupThreshold > 1:
		return fmt.Errorf("queue.dedup_threshold must be within [0, 1]: %v", c.Queue.DedupThreshold)
	case c.Queue.MaxRetries < 0:
		return fmt.Errorf("queue.max_retries must not be negative: %d", c.Queue.MaxRetries)
	}

	switch strings.ToLower(strings.TrimSpace(c.Publisher.Kind)) {
	case "", "dryrun":
	case "webhook":
		if strings.TrimSpace(c.Publisher.Webhook.URL) == "" {
			return errors.New("publisher.webhook.url is required for the webhook publisher")
		}
	default:
		return fmt.Errorf("unknown publisher kind %q", c.Publisher.Kind)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
