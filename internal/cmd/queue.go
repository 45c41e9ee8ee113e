package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/core/store"
	"github.com/postpace/postpace/internal/observability"
	"github.com/postpace/postpace/internal/output"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage scheduled outbound actions",
}

var (
	queueAddAction         string
	queueAddTarget         string
	queueAddContent        string
	queueAddPriority       string
	queueAddAt             string
	queueAddIn             time.Duration
	queueAddDependsOn      []string
	queueAddTags           []string
	queueAddMaxRetries     int
	queueAddMetadata       map[string]string
	queueAddAllowDuplicate bool
)

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue an action",
	Example: `  postpace queue add --action post --content "Launch day!" --priority high --tag launch
  postpace queue add --action dm --target 12345 --content "Thanks for joining" --in 2h
  postpace queue add --action like --target 1790000000000000000 --depends-on <id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := core.ParseAction(queueAddAction)
		if err != nil {
			return err
		}
		priority, err := core.ParsePriority(queueAddPriority)
		if err != nil {
			return err
		}
		scheduledAt, err := resolveSchedule(queueAddAt, queueAddIn, time.Now())
		if err != nil {
			return err
		}

		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			item, err := queue.Enqueue(ctx, engine.EnqueueRequest{
				Action:         action,
				Target:         queueAddTarget,
				Content:        queueAddContent,
				Priority:       priority,
				ScheduledAt:    scheduledAt,
				DependsOn:      queueAddDependsOn,
				Tags:           queueAddTags,
				MaxRetries:     queueAddMaxRetries,
				Metadata:       queueAddMetadata,
				AllowDuplicate: queueAddAllowDuplicate,
			})
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Item(format, item)
			})
		})
	},
}

var (
	queueListStatuses []string
	queueListTag      string
	queueListAction   string
	queueListDue      bool
	queueListLimit    int
)

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items in dispatch order",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := buildQueueFilter(queueListStatuses, queueListTag, queueListAction, queueListLimit)
		if err != nil {
			return err
		}
		if queueListDue {
			now := time.Now()
			filter.DueBefore = &now
		}

		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			items, err := queue.List(ctx, filter)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Items(format, items)
			})
		})
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one item with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			item, err := queue.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Item(format, item)
			})
		})
	},
}

var queuePeekCount int

var queuePeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show the next waiting items without claiming them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			items, err := queue.Peek(ctx, queuePeekCount)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Items(format, items)
			})
		})
	},
}

var queueCancelTag string

var queueCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a pending item, or every active item with --tag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := strings.TrimSpace(queueCancelTag)
		if (len(args) == 0) == (tag == "") {
			return errors.New("provide exactly one of <id> or --tag")
		}

		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			if tag != "" {
				cancelled, err := queue.BulkCancel(ctx, tag)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d item(s) tagged %q\n", cancelled, tag)
				return err
			}

			ok, err := queue.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: item %s is not pending", core.ErrInvalidTransition, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return err
		})
	},
}

var (
	queueRescheduleAt string
	queueRescheduleIn time.Duration
)

var queueRescheduleCmd = &cobra.Command{
	Use:   "reschedule <id>",
	Short: "Move a pending item to a new time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(queueRescheduleAt) == "" && queueRescheduleIn == 0 {
			return errors.New("--at or --in is required")
		}
		at, err := resolveSchedule(queueRescheduleAt, queueRescheduleIn, time.Now())
		if err != nil {
			return err
		}

		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			ok, err := queue.Reschedule(ctx, args[0], at)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: item %s is not pending", core.ErrInvalidTransition, args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %s to %s\n", args[0], at.UTC().Format(time.RFC3339))
			return err
		})
	},
}

var queueConflictsWindow time.Duration

var queueConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Group pending items scheduled within a window of each other",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			groups, err := queue.ScheduleConflicts(ctx, queueConflictsWindow)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.Conflicts(format, groups)
			})
		})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize queue contents by status and priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, queue *engine.ActionQueue, _ *store.Store) error {
			stats, err := queue.Stats(ctx)
			if err != nil {
				return err
			}
			return writeReport(cmd, func(format output.Format) (string, error) {
				return output.QueueStats(format, stats)
			})
		})
	},
}

var queuePurgeOlderThan time.Duration

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished items older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queuePurgeOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		return withQueue(cmd, func(ctx context.Context, _ *engine.ActionQueue, db *store.Store) error {
			removed, err := db.PurgeItems(ctx, time.Now().Add(-queuePurgeOlderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d finished item(s)\n", removed)
			return err
		})
	},
}

// withQueue opens the store, builds the queue from config and runs fn.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, queue *engine.ActionQueue, db *store.Store) error) error {
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

	queue, err := newQueue(cfg.Queue, db, engineLogger(observability.CLILogger))
	if err != nil {
		return err
	}
	return fn(ctx, queue, db)
}

// resolveSchedule turns --at (RFC3339) or --in (offset from now) into a time.
// Neither set means now.
func resolveSchedule(at string, in time.Duration, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in != 0:
		return time.Time{}, errors.New("--at and --in are mutually exclusive")
	case at != "":
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, core.NewValidationError("at", "must be RFC3339, e.g. 2025-06-02T09:00:00Z")
		}
		return parsed, nil
	case in < 0:
		return time.Time{}, core.NewValidationError("in", "must not be negative")
	default:
		return now.Add(in), nil
	}
}

func buildQueueFilter(statuses []string, tag, action string, limit int) (core.QueueFilter, error) {
	filter := core.QueueFilter{Tag: strings.TrimSpace(tag), Limit: limit}
	for _, raw := range statuses {
		status, err := core.ParseStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if strings.TrimSpace(action) != "" {
		parsed, err := core.ParseAction(action)
		if err != nil {
			return filter, err
		}
		filter.Action = parsed
	}
	return filter, nil
}

func init() {
	queueAddCmd.Flags().StringVar(&queueAddAction, "action", string(core.ActionPost), "Action: post|like|follow|dm")
	queueAddCmd.Flags().StringVar(&queueAddTarget, "target", "", "Target post or user id (like, follow, dm)")
	queueAddCmd.Flags().StringVar(&queueAddContent, "content", "", "Content (post, dm)")
	queueAddCmd.Flags().StringVar(&queueAddPriority, "priority", core.PriorityNormal.String(), "Priority: urgent|high|normal|low")
	queueAddCmd.Flags().StringVar(&queueAddAt, "at", "", "Schedule at an RFC3339 time")
	queueAddCmd.Flags().DurationVar(&queueAddIn, "in", 0, "Schedule after a delay from now")
	queueAddCmd.Flags().StringSliceVar(&queueAddDependsOn, "depends-on", nil, "Item ids that must complete first")
	queueAddCmd.Flags().StringSliceVar(&queueAddTags, "tag", nil, "Tags for grouping and bulk cancel")
	queueAddCmd.Flags().IntVar(&queueAddMaxRetries, "max-retries", 0, "Retry budget (default queue.max_retries)")
	queueAddCmd.Flags().StringToStringVar(&queueAddMetadata, "meta", nil, "Metadata key=value pairs")
	queueAddCmd.Flags().BoolVar(&queueAddAllowDuplicate, "allow-duplicate", false, "Skip the near-duplicate content check")
	addOutputFlags(queueAddCmd)

	queueListCmd.Flags().StringSliceVar(&queueListStatuses, "status", nil, "Filter by status (repeatable)")
	queueListCmd.Flags().StringVar(&queueListTag, "tag", "", "Filter by tag")
	queueListCmd.Flags().StringVar(&queueListAction, "action", "", "Filter by action")
	queueListCmd.Flags().BoolVar(&queueListDue, "due", false, "Only items scheduled at or before now")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 100, "Maximum items to list (0 for all)")
	addOutputFlags(queueListCmd)

	addOutputFlags(queueShowCmd)

	queuePeekCmd.Flags().IntVarP(&queuePeekCount, "count", "n", 5, "Number of items")
	addOutputFlags(queuePeekCmd)

	queueCancelCmd.Flags().StringVar(&queueCancelTag, "tag", "", "Cancel every active item with this tag")

	queueRescheduleCmd.Flags().StringVar(&queueRescheduleAt, "at", "", "New RFC3339 time")
	queueRescheduleCmd.Flags().DurationVar(&queueRescheduleIn, "in", 0, "New time as a delay from now")

	queueConflictsCmd.Flags().DurationVar(&queueConflictsWindow, "window", 5*time.Minute, "Items closer than this conflict")
	addOutputFlags(queueConflictsCmd)

	addOutputFlags(queueStatsCmd)

	queuePurgeCmd.Flags().DurationVar(&queuePurgeOlderThan, "older-than", 30*24*time.Hour, "Age cutoff for finished items")

	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueShowCmd, queuePeekCmd, queueCancelCmd,
		queueRescheduleCmd, queueConflictsCmd, queueStatsCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
