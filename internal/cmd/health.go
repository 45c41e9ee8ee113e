package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/postpace/postpace/internal/errors"
	"github.com/postpace/postpace/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Verify that serve could start: configuration loads, the store opens and
migrates, configured limits are valid and the publisher can be built.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		ctx := cmd.Context()

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := currentConfig(ctx)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration loaded")

		db, err := openStore(ctx, cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Store unavailable", errwrap.WrapDatabaseError(ctx, err, "store unavailable"))
			return
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		logger.Info("✅ Store reachable", zap.String("driver", db.Driver()))

		if _, err := newQueue(cfg.Queue, db, nil); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Queue configuration invalid", err)
			return
		}
		gov, err := newGovernor(ctx, cfg.Governor, db, nil)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Governor configuration invalid", err)
			return
		}
		logger.Info("✅ Rate limits valid", zap.Int("endpoints", len(gov.Configs())))

		if _, err := newPublisher(cfg.Publisher, nil); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Publisher configuration invalid", err)
			return
		}
		logger.Info("✅ Publisher ready", zap.String("kind", cfg.Publisher.Kind))

		if health := gov.Health(); !health.Healthy {
			for _, issue := range health.Issues {
				logger.Warn("Governor issue", zap.String("issue", issue))
			}
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
