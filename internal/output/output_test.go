package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postpace/postpace/internal/core"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleItems() []*core.QueueItem {
	at := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	return []*core.QueueItem{
		{
			ID: "9f1c2d3e-0000-4000-8000-000000000001", Action: core.ActionPost, Priority: core.PriorityUrgent,
			Status: core.StatusPending, ScheduledAt: at, MaxRetries: 3,
			Content: strings.Repeat("a very long launch announcement ", 4),
		},
		{
			ID: "short", Action: core.ActionFollow, Priority: core.PriorityLow, Target: "user-42",
			Status: core.StatusFailed, ScheduledAt: at.Add(time.Minute), RetryCount: 3, MaxRetries: 3,
			ErrorMessage: "status 403",
			History:      []core.Attempt{{At: at, Error: "status 403"}},
		},
	}
}

func TestItems(t *testing.T) {
	items := sampleItems()

	t.Run("Table", func(t *testing.T) {
		rendered, err := Items(FormatTable, items)
		require.NoError(t, err)
		require.Contains(t, rendered, "9f1c2d3e")
		require.NotContains(t, rendered, "9f1c2d3e-0000")
		require.Contains(t, rendered, "urgent")
		require.Contains(t, rendered, "user-42")
		require.Contains(t, rendered, "…")
		require.Contains(t, rendered, "3/3")
		require.Contains(t, rendered, "2 ITEMS")
	})

	t.Run("JSON", func(t *testing.T) {
		rendered, err := Items(FormatJSON, items)
		require.NoError(t, err)
		var decoded []core.QueueItem
		require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
		require.Len(t, decoded, 2)
		require.Equal(t, "user-42", decoded[1].Target)
	})

	t.Run("EmptyJSONIsArray", func(t *testing.T) {
		rendered, err := Items(FormatJSON, nil)
		require.NoError(t, err)
		require.Equal(t, "[]", rendered)
	})

	t.Run("Markdown", func(t *testing.T) {
		rendered, err := Items(FormatMarkdown, items)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(rendered, "| ID"))
	})
}

func TestItemShowsHistory(t *testing.T) {
	rendered, err := Item(FormatTable, sampleItems()[1])
	require.NoError(t, err)
	require.Contains(t, rendered, "Attempt 1")
	require.Contains(t, rendered, "status 403")
	require.Contains(t, rendered, "Target")
}

func TestGovernorViews(t *testing.T) {
	stats := core.GovernorStats{
		TotalAllowed:        12,
		TotalDenied:         3,
		ConfiguredEndpoints: 1,
		OpenBreakers:        1,
		Endpoints: []core.EndpointStatus{{
			Endpoint: "POST /2/tweets", MaxRequests: 180, Window: 15 * time.Minute, Remaining: 168,
			UsagePercent: 6.6, ResetAfter: 90 * time.Second, BucketTokens: 170,
			BreakerState: core.BreakerOpen, BreakerFailures: 5, Allowed: 12, Denied: 3,
		}},
	}

	rendered, err := Endpoints(FormatTable, stats)
	require.NoError(t, err)
	require.Contains(t, rendered, "POST /2/tweets")
	require.Contains(t, rendered, "180/15m0s")
	require.Contains(t, rendered, "open (5)")
	require.Contains(t, rendered, "1m30s")

	usage, err := Usage(FormatTable, []core.DailyUsage{{Date: "2025-06-02", Bucket: "tweets_per_day", Used: 40, Limit: 400, Remaining: 360, Percent: 10}})
	require.NoError(t, err)
	require.Contains(t, usage, "tweets_per_day")
	require.Contains(t, usage, "10%")

	events, err := Events(FormatJSON, []core.RateLimitEvent{{Endpoint: "POST /2/tweets", Action: "429_received", Result: "throttled"}})
	require.NoError(t, err)
	require.Contains(t, events, "\"action\": \"429_received\"")

	health, err := Health(FormatTable, core.GovernorHealth{Healthy: false, Issues: []string{"circuit breaker open for POST /2/tweets"}, EndpointsCount: 1, ActiveBreakers: 1})
	require.NoError(t, err)
	require.Contains(t, health, "UNHEALTHY")
	require.Contains(t, health, "circuit breaker open")
}

func TestQueueViews(t *testing.T) {
	stats, err := QueueStats(FormatTable, core.QueueStats{
		Total: 3, Active: 2,
		ByStatus:   map[core.ItemStatus]int{core.StatusPending: 2, core.StatusCompleted: 1},
		ByPriority: map[string]int{"urgent": 2},
	})
	require.NoError(t, err)
	require.Contains(t, stats, "pending")
	require.Contains(t, stats, "2 ACTIVE")

	items := sampleItems()
	conflicts, err := Conflicts(FormatTable, [][]*core.QueueItem{items})
	require.NoError(t, err)
	require.Contains(t, conflicts, "user-42")

	empty, err := Conflicts(FormatJSON, nil)
	require.NoError(t, err)
	require.Equal(t, "[]", empty)
}
