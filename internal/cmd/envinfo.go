package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== postpace Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + config.AppName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info("")

		cfg, err := currentConfig(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Config File:    " + config.DefaultConfigPath())
		log.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info("  Log Level:      " + cfg.Logging.Level)
		log.Info("  Log Profile:    " + cfg.Logging.Profile)
		log.Info("  DB Driver:      " + cfg.Store.Driver)
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         " + cfg.Store.URL)
		} else {
			log.Info("  DB Path:        " + cfg.Store.Path)
		}
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		log.Info("")

		log.Info("Dispatch:")
		log.Info("  Publisher:      " + cfg.Publisher.Kind)
		if cfg.Publisher.Kind == "webhook" {
			log.Info("  Webhook URL:    " + cfg.Publisher.Webhook.URL)
		}
		log.Info(fmt.Sprintf("  Coordinator:    %t (poll %s, idle max %s)",
			cfg.Coordinator.Enabled, cfg.Coordinator.PollInterval, cfg.Coordinator.IdleBackoffMax))
		log.Info(fmt.Sprintf("  Retries:        %d (base %s, max %s)",
			cfg.Queue.MaxRetries, cfg.Queue.RetryBaseDelay, cfg.Queue.RetryMaxDelay))
		log.Info(fmt.Sprintf("  Dedup:          threshold %.2f, prefix %d", cfg.Queue.DedupThreshold, cfg.Queue.DedupPrefixLimit))
		if w := cfg.Queue.PostingWindow; w.Enabled {
			log.Info(fmt.Sprintf("  Posting Window: %02d:00-%02d:00 %s", w.StartHour, w.EndHour, w.Timezone))
		}
		log.Info("")

		log.Info("Rate Limits:")
		log.Info("  Preset:         " + cfg.Governor.Preset)
		log.Info("  Presets:        " + strings.Join(engine.PresetNames(), ", "))
		log.Info(fmt.Sprintf("  Safety Margin:  %.2f", cfg.Governor.SafetyMargin))
		if cfg.Governor.LimitsFile != "" {
			log.Info("  Limits File:    " + cfg.Governor.LimitsFile)
		}
		log.Info(fmt.Sprintf("  Endpoints:      %d configured, %d daily routes", len(cfg.Governor.Endpoints), len(cfg.Governor.Daily)))
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
