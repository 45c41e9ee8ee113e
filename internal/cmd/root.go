package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/observability"
	"github.com/postpace/postpace/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool

	// appConfig is populated by initConfig before any command runs.
	appConfig *config.Config

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Schedule outbound actions under platform rate limits",
	Long: `postpace queues outbound social actions (posts, likes, follows, DMs),
rejects near-duplicate content, and releases work only when the rate limit
governor admits it.

Use the subcommands to manage the queue and inspect limits, or run serve to
start the dispatch loop and HTTP API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early so config loading does not emit metrics
	// to stdout. serve initializes the real system later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", config.DefaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig loads layered configuration and the CLI logger.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	var overrides []map[string]any
	if verbose {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": "debug"},
		})
	}

	cfg, err := config.Load(context.Background(), config.Options{ConfigFile: cfgFile}, overrides...)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("preset", cfg.Governor.Preset),
		zap.String("publisher", cfg.Publisher.Kind))
}

// currentConfig returns the loaded config, loading defaults when a command runs
// outside cobra's initialization (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx, config.Options{ConfigFile: cfgFile})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	appConfig = cfg
	return cfg, nil
}
