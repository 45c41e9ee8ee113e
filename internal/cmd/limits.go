package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/core/store"
	"github.com/postpace/postpace/internal/observability"
	"github.com/postpace/postpace/internal/output"
)

var limitsCmd = &cobra.Command{
	Use:     "limits",
	Aliases: []string{"rate-limit"},
	Short:   "Inspect and manage rate limit state",
	Long: `Inspect the rate limit governor built from configuration and the state
persisted by serve.

Commands here read the store directly. To reset guards in a running server use
POST /v1/limits/reset instead.`,
}

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show configured endpoints with window, bucket and breaker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd, func(ctx context.Context, gov *engine.Governor, _ *store.Store) error {
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Endpoints(format, gov.Stats())
			})
		})
	},
}

var limitsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report governor health: open breakers and endpoints near their limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd, func(ctx context.Context, gov *engine.Governor, _ *store.Store) error {
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Health(format, gov.Health())
			})
		})
	},
}

var (
	limitsCheckEndpoint string
	limitsCheckCount    int
)

var limitsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate whether an endpoint would admit a request now, without consuming capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := strings.TrimSpace(limitsCheckEndpoint)
		if endpoint == "" {
			return errors.New("--endpoint is required")
		}
		return withGovernor(cmd, func(ctx context.Context, gov *engine.Governor, _ *store.Store) error {
			decision := gov.Check(endpoint, limitsCheckCount)
			rendered, err := (&output.JSONFormatter{Indent: true}).Format(decision)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		})
	},
}

var limitsUsageDate string

var limitsUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show daily bucket usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC()
		if value := strings.TrimSpace(limitsUsageDate); value != "" {
			parsed, err := time.Parse(time.DateOnly, value)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			day = parsed
		}
		return withGovernor(cmd, func(ctx context.Context, gov *engine.Governor, _ *store.Store) error {
			usage, err := gov.DailyUsage(ctx, day)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Usage(format, usage)
			})
		})
	},
}

var (
	limitsEventsEndpoint string
	limitsEventsSince    time.Duration
	limitsEventsLimit    int
)

var limitsEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the rate limit audit trail, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.EventQuery{
			Endpoint: strings.TrimSpace(limitsEventsEndpoint),
			Limit:    limitsEventsLimit,
		}
		if limitsEventsSince > 0 {
			query.Since = time.Now().Add(-limitsEventsSince)
		}
		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			events, err := db.ListEvents(ctx, query)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Events(format, events)
			})
		})
	},
}

var limitsStatePrefix string

var limitsStateCmd = &cobra.Command{
	Use:   "state",
	Short: "List raw persisted endpoint state",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.RateLimitQuery{Prefix: strings.TrimSpace(limitsStatePrefix)}
		if query.Prefix == "" {
			query.All = true
		}

		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			snaps, err := db.ListRateLimits(ctx, query)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				if format == output.FormatJSON {
					return (&output.JSONFormatter{Indent: true}).Format(snaps)
				}

				lines := []string{"Persisted Rate Limit State", ""}
				if len(snaps) == 0 {
					lines = append(lines, "(no stored rate limit state)")
					return ascii.DrawBox(strings.Join(lines, "\n"), 0), nil
				}
				for _, snap := range snaps {
					backoff := "-"
					if !snap.Backoff.IsZero() {
						backoff = snap.Backoff.UTC().Format(time.RFC3339)
					}
					lines = append(lines, fmt.Sprintf("%s: in_window=%d breaker=%s failures=%d backoff_until=%s v%d",
						snap.Config.Endpoint, len(snap.Timestamps), snap.Breaker.State,
						snap.Breaker.FailureCount, backoff, snap.Version))
				}
				return ascii.DrawBox(strings.Join(lines, "\n"), 0), nil
			})
		})
	},
}

var (
	limitsResetAll      bool
	limitsResetEndpoint string
	limitsResetPrefix   string
	limitsResetYes      bool
	limitsResetDryRun   bool
)

// ResetResult reports a persisted state reset.
type ResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

var limitsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset persisted rate limit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.RateLimitQuery{
			All:      limitsResetAll,
			Endpoint: strings.TrimSpace(limitsResetEndpoint),
			Prefix:   strings.TrimSpace(limitsResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !limitsResetYes && !limitsResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			matched, err := db.CountRateLimits(ctx, query)
			if err != nil {
				return err
			}

			result := ResetResult{Matched: matched, DryRun: limitsResetDryRun}
			if !limitsResetDryRun {
				if result.Deleted, err = db.ResetRateLimits(ctx, query); err != nil {
					return err
				}
			}

			return writeReport(cmd, func(format output.Format) (string, error) {
				if format == output.FormatJSON {
					return (&output.JSONFormatter{Indent: true}).Format(result)
				}
				if result.DryRun {
					return fmt.Sprintf("Would delete %d rate limit entr(ies)", result.Matched), nil
				}
				return fmt.Sprintf("Deleted %d/%d rate limit entr(ies)", result.Deleted, result.Matched), nil
			})
		})
	},
}

var limitsPurgeOlderThan time.Duration

var limitsPurgeEventsCmd = &cobra.Command{
	Use:   "purge-events",
	Short: "Delete audit events older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if limitsPurgeOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			removed, err := db.PurgeEvents(ctx, time.Now().Add(-limitsPurgeOlderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d event(s)\n", removed)
			return err
		})
	},
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, db *store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup
	return fn(ctx, db)
}

// withGovernor builds the governor from config and restores persisted state.
func withGovernor(cmd *cobra.Command, fn func(ctx context.Context, gov *engine.Governor, db *store.Store) error) error {
	return withStore(cmd, func(ctx context.Context, db *store.Store) error {
		cfg, err := currentConfig(ctx)
		if err != nil {
			return err
		}
		gov, err := newGovernor(ctx, cfg.Governor, db, engineLogger(observability.CLILogger))
		if err != nil {
			return err
		}
		return fn(ctx, gov, db)
	})
}

func init() {
	addOutputFlags(limitsListCmd)
	addOutputFlags(limitsReportCmd)

	limitsCheckCmd.Flags().StringVar(&limitsCheckEndpoint, "endpoint", "", "Endpoint key, e.g. \"POST /2/tweets\"")
	limitsCheckCmd.Flags().IntVar(&limitsCheckCount, "count", 1, "Requests to evaluate")

	limitsUsageCmd.Flags().StringVar(&limitsUsageDate, "date", "", "UTC date YYYY-MM-DD (default today)")
	addOutputFlags(limitsUsageCmd)

	limitsEventsCmd.Flags().StringVar(&limitsEventsEndpoint, "endpoint", "", "Filter by endpoint")
	limitsEventsCmd.Flags().DurationVar(&limitsEventsSince, "since", 24*time.Hour, "Only events newer than this")
	limitsEventsCmd.Flags().IntVar(&limitsEventsLimit, "limit", 50, "Maximum events")
	addOutputFlags(limitsEventsCmd)

	limitsStateCmd.Flags().StringVar(&limitsStatePrefix, "prefix", "", "Endpoints with matching prefix")
	addOutputFlags(limitsStateCmd)

	limitsResetCmd.Flags().BoolVar(&limitsResetAll, "all", false, "Reset all endpoints")
	limitsResetCmd.Flags().StringVar(&limitsResetEndpoint, "endpoint", "", "Reset a single endpoint (exact match)")
	limitsResetCmd.Flags().StringVar(&limitsResetPrefix, "prefix", "", "Reset endpoints with matching prefix")
	limitsResetCmd.Flags().BoolVar(&limitsResetYes, "yes", false, "Confirm destructive reset")
	limitsResetCmd.Flags().BoolVar(&limitsResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(limitsResetCmd)

	limitsPurgeEventsCmd.Flags().DurationVar(&limitsPurgeOlderThan, "older-than", 30*24*time.Hour, "Age cutoff")

	limitsCmd.AddCommand(limitsListCmd, limitsReportCmd, limitsCheckCmd, limitsUsageCmd,
		limitsEventsCmd, limitsStateCmd, limitsResetCmd, limitsPurgeEventsCmd)
	rootCmd.AddCommand(limitsCmd)
}
