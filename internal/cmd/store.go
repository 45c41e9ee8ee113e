package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/dedup"
	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/core/store"
)

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// newQueue builds the action queue from the queue section.
func newQueue(cfg config.QueueConfig, db engine.QueueStore, logger engine.Logger) (*engine.ActionQueue, error) {
	queue := engine.NewActionQueue(db)
	queue.Logger = logger
	queue.MaxRetries = cfg.MaxRetries
	if cfg.RetryBaseDelay > 0 {
		queue.RetryBaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		queue.RetryMaxDelay = cfg.RetryMaxDelay
	}
	queue.Dedup = &dedup.Engine{Threshold: cfg.DedupThreshold, PrefixLimit: cfg.DedupPrefixLimit}

	if cfg.PostingWindow.Enabled {
		window, err := engine.NewPostingWindow(cfg.PostingWindow.StartHour, cfg.PostingWindow.EndHour, cfg.PostingWindow.Timezone)
		if err != nil {
			return nil, fmt.Errorf("posting window: %w", err)
		}
		queue.SetPostingWindow(window)
	}
	return queue, nil
}

// newGovernor applies limits in order: preset, limits file, then configured
// endpoints and daily buckets. Persisted state is restored last so stored
// windows and breakers survive reconfiguration at startup.
func newGovernor(ctx context.Context, cfg config.GovernorConfig, db engine.GovernorStore, logger engine.Logger) (*engine.Governor, error) {
	gov := engine.NewGovernor(db)
	gov.Logger = logger
	gov.ApplySafetyMargin(cfg.SafetyMargin)

	preset, err := engine.LookupPreset(cfg.Preset)
	if err != nil {
		return nil, err
	}
	if err := gov.ApplyPreset(ctx, preset); err != nil {
		return nil, err
	}

	if cfg.LimitsFile != "" {
		if err := gov.LoadLimitsFile(ctx, cfg.LimitsFile); err != nil {
			return nil, err
		}
	}

	for _, endpoint := range cfg.Endpoints {
		if err := gov.Configure(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("governor endpoint %q: %w", endpoint.Endpoint, err)
		}
	}
	for _, daily := range cfg.Daily {
		if err := gov.SetDailyLimit(daily.Endpoint, core.DailyBucket{Name: daily.Bucket, Limit: daily.Limit}); err != nil {
			return nil, fmt.Errorf("daily limit %q: %w", daily.Endpoint, err)
		}
	}

	if err := gov.Restore(ctx); err != nil {
		return nil, err
	}
	return gov, nil
}

// engineLogger keeps a nil *logging.Logger from becoming a non-nil interface.
func engineLogger(l *logging.Logger) engine.Logger {
	if l == nil {
		return nil
	}
	return l
}
