package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core/engine"
	errwrap "github.com/postpace/postpace/internal/errors"
	"github.com/postpace/postpace/internal/metrics"
	"github.com/postpace/postpace/internal/observability"
	"github.com/postpace/postpace/internal/publisher"
	"github.com/postpace/postpace/internal/server"
	"github.com/postpace/postpace/internal/server/handlers"
)

const gaugeInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct {
	enabled bool
}

func (t telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if !t.enabled {
		return nil
	}
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch loop and HTTP API",
	Long: `Run the coordinator that releases due queue items through the rate limit
governor to the configured publisher, alongside the HTTP API.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload posting window and endpoint limits (unchanged endpoints keep their state)

In-flight dispatches finish or are deferred before the store closes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig(cmd.Context())
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		observability.InitServerLogger(config.AppName, cfg.Logging, config.AppName)
		logger := observability.ServerLogger

		if err := observability.InitMetrics(config.AppName, cfg.Metrics, config.AppName); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
		metrics.SetServerStartTime(time.Now().Unix())

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return errwrap.WrapDatabaseError(cmd.Context(), err, "store initialization failed")
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		recorder := metrics.Recorder{}

		queue, err := newQueue(cfg.Queue, db, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "queue configuration invalid")
		}
		queue.Recorder = recorder

		gov, err := newGovernor(cmd.Context(), cfg.Governor, db, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "governor configuration invalid")
		}
		gov.Recorder = recorder

		recovered, err := queue.Recover(cmd.Context())
		if err != nil {
			return errwrap.WrapDatabaseError(cmd.Context(), err, "queue recovery failed")
		}
		if recovered > 0 {
			logger.Warn("Returned interrupted items to the queue", zap.Int("items", recovered))
		}

		pub, err := newPublisher(cfg.Publisher, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "publisher configuration invalid")
		}

		coordinator := &engine.Coordinator{
			Queue:           queue,
			Governor:        gov,
			Publisher:       pub,
			Logger:          logger,
			Recorder:        recorder,
			PollInterval:    cfg.Coordinator.PollInterval,
			IdleBackoffMax:  cfg.Coordinator.IdleBackoffMax,
			DispatchTimeout: cfg.Coordinator.DispatchTimeout,
		}

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", handlers.CheckerFunc(func(ctx context.Context) error {
			return db.DB.PingContext(ctx)
		}))
		hm.RegisterChecker("telemetry", telemetryHealthChecker{enabled: cfg.Metrics.Enabled})
		hm.RegisterChecker("governor", handlers.CheckerFunc(func(ctx context.Context) error {
			if health := gov.Health(); !health.Healthy {
				return errwrap.NewServiceUnavailableError(strings.Join(health.Issues, "; "))
			}
			return nil
		}))

		srv := server.New(cfg.Server, &handlers.API{Queue: queue, Governor: gov, Events: db})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Shutdown handlers run LIFO: stop dispatch and HTTP first, flush logs last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Stopping coordinator and HTTP server...")
			cancel()
			shutdownCtx, done := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")
			reloaded, err := config.Load(ctx, config.Options{ConfigFile: cfgFile})
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			changed, err := applyReload(ctx, reloaded, queue, gov)
			if err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			logger.Info("Configuration reloaded",
				zap.Bool("posting_window", reloaded.Queue.PostingWindow.Enabled),
				zap.Int("endpoints", len(reloaded.Governor.Endpoints)),
				zap.Int("endpoints_changed", changed))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Coordinator.Enabled {
			g.Go(func() error {
				logger.Info("Starting coordinator",
					zap.Duration("poll_interval", cfg.Coordinator.PollInterval),
					zap.String("publisher", cfg.Publisher.Kind))
				return coordinator.Run(gctx)
			})
		} else {
			logger.Warn("Coordinator disabled; queue items will not be dispatched")
		}

		g.Go(func() error {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			return srv.Start()
		})

		// Stop the HTTP server when any member fails or the context ends.
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Metrics.Enabled {
			g.Go(func() error {
				publishGauges(gctx, queue, gov)
				return nil
			})
		}

		go func() {
			if err := signals.Listen(gctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				cancel()
			}
		}()

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		logger.Info("Server stopped")
		return nil
	},
}

// publishGauges refreshes queue depth, breaker and daily usage gauges until ctx ends.
func publishGauges(ctx context.Context, queue *engine.ActionQueue, gov *engine.Governor) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		if stats, err := queue.Stats(ctx); err == nil {
			metrics.RecordQueueStats(stats)
		}
		metrics.RecordGovernorStats(gov.Stats())
		if usage, err := gov.DailyUsage(ctx, time.Now()); err == nil {
			metrics.RecordDailyUsage(usage)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// applyReload pushes a reloaded config into the running queue and governor.
// Endpoints whose limits did not change keep their windows and breakers.
func applyReload(ctx context.Context, reloaded *config.Config, queue *engine.ActionQueue, gov *engine.Governor) (int, error) {
	window := reloaded.Queue.PostingWindow
	if window.Enabled {
		pw, err := engine.NewPostingWindow(window.StartHour, window.EndHour, window.Timezone)
		if err != nil {
			return 0, fmt.Errorf("posting window: %w", err)
		}
		queue.SetPostingWindow(pw)
	} else {
		queue.SetPostingWindow(nil)
	}

	changed := 0
	for _, endpoint := range reloaded.Governor.Endpoints {
		updated, err := gov.Reconfigure(ctx, endpoint)
		if err != nil {
			return changed, fmt.Errorf("governor endpoint %q: %w", endpoint.Endpoint, err)
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

// newPublisher selects the publisher named by publisher.kind.
func newPublisher(cfg config.PublisherConfig, logger engine.Logger) (engine.Publisher, error) {
	switch cfg.Kind {
	case "", "dryrun":
		return publisher.NewDryRun(logger), nil
	case "webhook":
		return publisher.NewWebhook(cfg.Webhook, logger)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
