//go:build cgo

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/postpace.db",
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestQueueItemRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	created := time.Date(2025, 6, 2, 12, 0, 0, 123456789, time.UTC)
	item := &core.QueueItem{
		ID:          "item-1",
		Seq:         7,
		Action:      core.ActionDM,
		Target:      "user-42",
		Content:     "welcome aboard",
		Priority:    core.PriorityHigh,
		ScheduledAt: created.Add(time.Hour),
		DependsOn:   []string{"item-0"},
		Tags:        []string{"onboarding", "june"},
		MaxRetries:  3,
		Status:      core.StatusBlocked,
		CreatedAt:   created,
		Metadata:    map[string]string{"campaign": "summer"},
	}
	require.NoError(t, store.InsertItem(ctx, item))

	got, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, item, got)

	missing, err := store.GetItem(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	seq, err := store.MaxSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
}

func TestSwapItemIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	item := &core.QueueItem{ID: "a", Action: core.ActionPost, Content: "x", Priority: core.PriorityNormal,
		ScheduledAt: now, MaxRetries: 3, Status: core.StatusPending, CreatedAt: now}
	require.NoError(t, store.InsertItem(ctx, item))

	claimed := item.Clone()
	claimed.Status = core.StatusProcessing
	ok, err := store.SwapItem(ctx, claimed, core.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	again := item.Clone()
	again.Status = core.StatusProcessing
	ok, err = store.SwapItem(ctx, again, core.StatusPending)
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose")

	done := claimed.Clone()
	done.Status = core.StatusCompleted
	done.CompletedAt = &now
	done.History = []core.Attempt{{At: now, Error: "first try"}}
	ok, err = store.SwapItem(ctx, done, core.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetItem(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, got.Status)
	require.Equal(t, now, *got.CompletedAt)
	require.Len(t, got.History, 1)
}

func TestListItemsFilters(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	insert := func(id string, seq int64, priority core.Priority, offset time.Duration, status core.ItemStatus, tags ...string) {
		require.NoError(t, store.InsertItem(ctx, &core.QueueItem{
			ID: id, Seq: seq, Action: core.ActionPost, Content: id, Priority: priority,
			ScheduledAt: base.Add(offset), MaxRetries: 3, Status: status, CreatedAt: base, Tags: tags,
		}))
	}
	insert("low", 1, core.PriorityLow, 0, core.StatusPending)
	insert("urgent-later", 2, core.PriorityUrgent, time.Hour, core.StatusPending, "launch")
	insert("urgent-now", 3, core.PriorityUrgent, 0, core.StatusPending, "launch")
	insert("done", 4, core.PriorityUrgent, 0, core.StatusCompleted, "launch")

	all, err := store.ListItems(ctx, core.QueueFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"urgent-now", "done", "urgent-later", "low"}, itemIDs(all))

	due, err := store.ListItems(ctx, core.QueueFilter{Statuses: []core.ItemStatus{core.StatusPending}, DueBefore: &base})
	require.NoError(t, err)
	require.Equal(t, []string{"urgent-now", "low"}, itemIDs(due))

	tagged, err := store.ListItems(ctx, core.QueueFilter{Tag: "launch", Statuses: core.ActiveStatuses})
	require.NoError(t, err)
	require.Equal(t, []string{"urgent-now", "urgent-later"}, itemIDs(tagged))

	limited, err := store.ListItems(ctx, core.QueueFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	purged, err := store.PurgeItems(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestActionQueueOnLibsql(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	queue := engine.NewActionQueue(store)

	var ids []string
	for i, content := range []string{"morning product update", "lunchtime customer story", "evening engineering deep dive"} {
		item, err := queue.Enqueue(ctx, engine.EnqueueRequest{
			Action:   core.ActionPost,
			Content:  content,
			Priority: core.Priority(i % 2),
		})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	_, err := queue.Enqueue(ctx, engine.EnqueueRequest{Action: core.ActionPost, Content: "Morning product update!", Priority: core.PriorityNormal})
	require.ErrorIs(t, err, core.ErrDuplicateContent)

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := queue.Dequeue(ctx)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, item.ID)
				mu.Unlock()
				_ = queue.Complete(ctx, item.ID)
			}
		}()
	}
	wg.Wait()
	require.ElementsMatch(t, ids, claimed)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.ByStatus[core.StatusCompleted])
}

func itemIDs(items []*core.QueueItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
