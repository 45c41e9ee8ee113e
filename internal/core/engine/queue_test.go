package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postpace/postpace/internal/core"
)

func newTestQueue(t *testing.T) (*ActionQueue, *memoryQueueStore, *fakeClock) {
	t.Helper()
	store := newMemoryQueueStore()
	clock := newFakeClock()
	queue := NewActionQueue(store)
	queue.Clock = clock.Now
	return queue, store, clock
}

func post(content string, priority core.Priority) EnqueueRequest {
	return EnqueueRequest{Action: core.ActionPost, Content: content, Priority: priority}
}

func mustEnqueue(t *testing.T, q *ActionQueue, req EnqueueRequest) *core.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func TestQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)

	low := mustEnqueue(t, queue, post("weekly newsletter roundup is out", core.PriorityLow))
	clock.Advance(time.Second)
	normal := mustEnqueue(t, queue, post("new blog post about scheduling", core.PriorityNormal))
	clock.Advance(time.Second)
	urgent := mustEnqueue(t, queue, post("service incident resolved", core.PriorityUrgent))

	var order []string
	for {
		item, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		require.Equal(t, core.StatusProcessing, item.Status)
		order = append(order, item.ID)
	}
	require.Equal(t, []string{urgent.ID, normal.ID, low.ID}, order)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)

	// identical clock readings fall back to enqueue sequence
	first := mustEnqueue(t, queue, post("alpha release notes", core.PriorityNormal))
	second := mustEnqueue(t, queue, post("beta signup form", core.PriorityNormal))
	third := mustEnqueue(t, queue, post("gamma team offsite photos", core.PriorityNormal))
	require.Less(t, first.Seq, second.Seq)

	for _, want := range []string{first.ID, second.ID, third.ID} {
		item, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.ID)
	}
}

func TestQueueScheduledAtRespected(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)

	req := post("tomorrow's announcement", core.PriorityUrgent)
	req.ScheduledAt = clock.Now().Add(time.Hour)
	future := mustEnqueue(t, queue, req)
	now := mustEnqueue(t, queue, post("right now update", core.PriorityLow))

	item, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, now.ID, item.ID)

	item, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, item)

	clock.Advance(time.Hour)
	item, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, future.ID, item.ID)
}

func TestQueueDependencies(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t)

	parent := mustEnqueue(t, queue, post("thread part one", core.PriorityNormal))
	req := post("thread part two continues", core.PriorityUrgent)
	req.DependsOn = []string{parent.ID}
	child := mustEnqueue(t, queue, req)
	require.Equal(t, core.StatusBlocked, child.Status)

	item, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, parent.ID, item.ID, "blocked item must not be dequeued despite higher priority")

	item, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, item)

	require.NoError(t, queue.Complete(ctx, parent.ID))
	require.Equal(t, core.StatusPending, store.status(child.ID))

	item, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, child.ID, item.ID)
}

func TestQueueDependencyOnCompletedItem(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)

	parent := mustEnqueue(t, queue, post("already shipped", core.PriorityNormal))
	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(ctx, parent.ID))

	req := post("follow-up to shipped", core.PriorityNormal)
	req.DependsOn = []string{parent.ID}
	child := mustEnqueue(t, queue, req)
	require.Equal(t, core.StatusPending, child.Status)
}

func TestQueueUnknownDependencyStaysBlocked(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)

	req := post("waiting on nothing real", core.PriorityNormal)
	req.DependsOn = []string{"missing"}
	item := mustEnqueue(t, queue, req)
	require.Equal(t, core.StatusBlocked, item.Status)

	next, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestQueueFailedDependencyStaysBlocked(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t)
	queue.MaxRetries = 1

	parent := mustEnqueue(t, queue, EnqueueRequest{Action: core.ActionPost, Content: "will fail", Priority: core.PriorityNormal, MaxRetries: 1})
	req := post("depends on failure", core.PriorityNormal)
	req.DependsOn = []string{parent.ID}
	child := mustEnqueue(t, queue, req)

	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, parent.ID, errors.New("boom")))
	// retry is due in a minute; push it through its last attempt
	require.NoError(t, store.forceStatus(parent.ID, core.StatusProcessing))
	require.NoError(t, queue.Fail(ctx, parent.ID, errors.New("boom again")))
	require.Equal(t, core.StatusFailed, store.status(parent.ID))

	_, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, core.StatusBlocked, store.status(child.ID))
}

func TestQueueRejectsCycles(t *testing.T) {
	queue, _, _ := newTestQueue(t)

	t.Run("Self", func(t *testing.T) {
		req := post("self reference", core.PriorityNormal)
		req.ID = "self"
		req.DependsOn = []string{"self"}
		_, err := queue.Enqueue(context.Background(), req)
		require.True(t, core.IsValidation(err))
	})

	t.Run("TwoNodes", func(t *testing.T) {
		b := post("second node content", core.PriorityNormal)
		b.ID = "b"
		b.DependsOn = []string{"a"}
		mustEnqueue(t, queue, b)

		a := post("first node content", core.PriorityNormal)
		a.ID = "a"
		a.DependsOn = []string{"b"}
		_, err := queue.Enqueue(context.Background(), a)
		require.True(t, core.IsValidation(err))
		require.Contains(t, err.Error(), "cycle")
	})

	t.Run("DuplicateID", func(t *testing.T) {
		req := post("totally different words", core.PriorityNormal)
		req.ID = "b"
		_, err := queue.Enqueue(context.Background(), req)
		require.True(t, core.IsValidation(err))
	})
}

func TestQueueDeduplication(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)

	mustEnqueue(t, queue, post("Our quarterly report is now live on the blog", core.PriorityNormal))

	item, err := queue.Enqueue(ctx, post("Our quarterly report is now live on the blog!!!", core.PriorityHigh))
	require.ErrorIs(t, err, core.ErrDuplicateContent)
	require.Nil(t, item)

	req := post("Our quarterly report is now live on the blog!!!", core.PriorityHigh)
	req.AllowDuplicate = true
	mustEnqueue(t, queue, req)

	mustEnqueue(t, queue, EnqueueRequest{Action: core.ActionLike, Target: "tweet-1", Priority: core.PriorityNormal})
	_, err = queue.Enqueue(ctx, EnqueueRequest{Action: core.ActionLike, Target: "tweet-1", Priority: core.PriorityNormal})
	require.ErrorIs(t, err, core.ErrDuplicateContent)
	mustEnqueue(t, queue, EnqueueRequest{Action: core.ActionLike, Target: "tweet-2", Priority: core.PriorityNormal})

	// the same text to different recipients is not a duplicate
	mustEnqueue(t, queue, EnqueueRequest{Action: core.ActionDM, Target: "alice", Content: "thanks for the follow", Priority: core.PriorityNormal})
	mustEnqueue(t, queue, EnqueueRequest{Action: core.ActionDM, Target: "bob", Content: "thanks for the follow", Priority: core.PriorityNormal})
}

func TestQueueDeduplicationIgnoresTerminalItems(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)

	first := mustEnqueue(t, queue, post("repeatable daily reminder", core.PriorityNormal))
	_, err := queue.Cancel(ctx, first.ID)
	require.NoError(t, err)

	mustEnqueue(t, queue, post("repeatable daily reminder", core.PriorityNormal))
}

func TestQueueValidation(t *testing.T) {
	queue, _, _ := newTestQueue(t)
	cases := []struct {
		name  string
		req   EnqueueRequest
		field string
	}{
		{"EmptyContent", EnqueueRequest{Action: core.ActionPost, Content: "   ", Priority: core.PriorityNormal}, "content"},
		{"BadPriority", EnqueueRequest{Action: core.ActionPost, Content: "x", Priority: core.Priority(9)}, "priority"},
		{"BadAction", EnqueueRequest{Action: core.Action("retweet"), Content: "x", Priority: core.PriorityNormal}, "action"},
		{"LikeWithoutTarget", EnqueueRequest{Action: core.ActionLike, Priority: core.PriorityNormal}, "target"},
		{"DMWithoutContent", EnqueueRequest{Action: core.ActionDM, Target: "alice", Priority: core.PriorityNormal}, "content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, err := queue.Enqueue(context.Background(), tc.req)
			require.Nil(t, item)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestQueueCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t)

	item := mustEnqueue(t, queue, post("finish me", core.PriorityNormal))
	require.ErrorIs(t, queue.Complete(ctx, item.ID), core.ErrInvalidTransition)

	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(ctx, item.ID))
	require.NoError(t, queue.Complete(ctx, item.ID))
	require.Equal(t, core.StatusCompleted, store.status(item.ID))

	stored, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)

	require.ErrorIs(t, queue.Complete(ctx, "nope"), core.ErrNotFound)
}

func TestQueueFailBackoff(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)

	item := mustEnqueue(t, queue, post("flaky endpoint", core.PriorityNormal))
	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}

	for i, delay := range expected {
		claimed, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, item.ID, claimed.ID)

		failedAt := clock.Now()
		require.NoError(t, queue.Fail(ctx, item.ID, fmt.Errorf("attempt %d", i)))

		stored, err := queue.Get(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, core.StatusPending, stored.Status)
		require.Equal(t, i+1, stored.RetryCount)
		require.Equal(t, failedAt.Add(delay), stored.ScheduledAt)

		next, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Nil(t, next, "retry must wait for its backoff")
		clock.Advance(delay)
	}

	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, item.ID, errors.New("final")))

	stored, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, stored.Status)
	require.Equal(t, "final", stored.ErrorMessage)
	require.Len(t, stored.History, 4)
	require.Equal(t, "attempt 0", stored.History[0].Error)

	// failing a failed item is a no-op
	require.NoError(t, queue.Fail(ctx, item.ID, errors.New("again")))
	stored, err = queue.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, stored.History, 4)
}

func TestQueueBackoffBounded(t *testing.T) {
	queue := NewActionQueue(newMemoryQueueStore())
	prev := time.Duration(0)
	for retry := 0; retry < 20; retry++ {
		delay := queue.Backoff(retry)
		require.GreaterOrEqual(t, delay, prev)
		require.LessOrEqual(t, delay, time.Hour)
		prev = delay
	}
	require.Equal(t, time.Hour, queue.Backoff(6))
	require.Equal(t, 32*time.Minute, queue.Backoff(5))
}

func TestQueueFailRequiresProcessing(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)
	item := mustEnqueue(t, queue, post("not started", core.PriorityNormal))
	require.ErrorIs(t, queue.Fail(ctx, item.ID, errors.New("x")), core.ErrInvalidTransition)
}

func TestQueueDefer(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)
	item := mustEnqueue(t, queue, post("throttled post", core.PriorityNormal))

	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	until := clock.Now().Add(30 * time.Second)
	require.NoError(t, queue.Defer(ctx, item.ID, until, "rate_limit_exceeded"))

	stored, err := queue.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPending, stored.Status)
	require.Equal(t, 0, stored.RetryCount)
	require.Equal(t, until, stored.ScheduledAt)

	require.ErrorIs(t, queue.Defer(ctx, item.ID, until, "again"), core.ErrInvalidTransition)
}

func TestQueueCancelAndReschedule(t *testing.T) {
	ctx := context.Background()
	queue, store, clock := newTestQueue(t)

	a := post("campaign teaser one", core.PriorityNormal)
	a.Tags = []string{"launch"}
	itemA := mustEnqueue(t, queue, a)

	b := post("campaign teaser two different", core.PriorityNormal)
	b.Tags = []string{"launch", "video"}
	itemB := mustEnqueue(t, queue, b)

	c := post("unrelated evergreen tip", core.PriorityNormal)
	itemC := mustEnqueue(t, queue, c)

	ok, err := queue.Reschedule(ctx, itemC.ID, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, itemA.ID, claimed.ID)

	ok, err = queue.Cancel(ctx, itemA.ID)
	require.NoError(t, err)
	require.False(t, ok, "processing items cannot be cancelled")

	ok, err = queue.Reschedule(ctx, itemA.ID, clock.Now())
	require.NoError(t, err)
	require.False(t, ok)

	count, err := queue.BulkCancel(ctx, "launch")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, core.StatusCancelled, store.status(itemB.ID))
	require.Equal(t, core.StatusProcessing, store.status(itemA.ID))

	ok, err = queue.Cancel(ctx, itemC.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = queue.Cancel(ctx, itemC.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = queue.Cancel(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestQueueScheduleConflicts(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)
	base := clock.Now().Add(time.Hour)

	schedule := func(content string, offset time.Duration) *core.QueueItem {
		req := post(content, core.PriorityNormal)
		req.ScheduledAt = base.Add(offset)
		return mustEnqueue(t, queue, req)
	}
	a := schedule("first clustered post", 0)
	b := schedule("second clustered post here", 2*time.Minute)
	schedule("lonely midday post", time.Hour)
	c := schedule("evening cluster start", 3*time.Hour)
	d := schedule("evening cluster follow", 3*time.Hour+4*time.Minute)

	groups, err := queue.ScheduleConflicts(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, []string{a.ID, b.ID}, ids(groups[0]))
	require.Equal(t, []string{c.ID, d.ID}, ids(groups[1]))

	_, err = queue.ScheduleConflicts(ctx, 0)
	require.True(t, core.IsValidation(err))
}

func TestQueuePostingWindow(t *testing.T) {
	ctx := context.Background()
	queue, _, clock := newTestQueue(t)
	mustEnqueue(t, queue, post("office hours only", core.PriorityNormal))

	window, err := NewPostingWindow(9, 17, "UTC")
	require.NoError(t, err)
	queue.SetPostingWindow(window)

	clock.Set(time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC))
	item, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, item)

	clock.Set(time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC))
	item, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)

	queue.SetPostingWindow(nil)
	require.True(t, queue.InPostingWindow())
}

func TestPostingWindowWrapsMidnight(t *testing.T) {
	window, err := NewPostingWindow(22, 6, "UTC")
	require.NoError(t, err)
	require.True(t, window.Contains(time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)))
	require.True(t, window.Contains(time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)))
	require.False(t, window.Contains(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)))
	require.False(t, window.Contains(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestPostingWindowTimezone(t *testing.T) {
	window, err := NewPostingWindow(9, 17, "America/New_York")
	require.NoError(t, err)
	// 14:00 UTC is 10:00 in New York during daylight saving time
	require.True(t, window.Contains(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)))
	require.False(t, window.Contains(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)))

	_, err = NewPostingWindow(9, 17, "Mars/Olympus")
	require.True(t, core.IsValidation(err))
	_, err = NewPostingWindow(9, 9, "UTC")
	require.True(t, core.IsValidation(err))
}

func TestQueueRecover(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t)
	item := mustEnqueue(t, queue, post("in flight at crash", core.PriorityNormal))
	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	restarted := NewActionQueue(store)
	count, err := restarted.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, core.StatusPending, store.status(item.ID))

	// sequence continues after restart
	next := mustEnqueue(t, restarted, post("after restart", core.PriorityNormal))
	require.Greater(t, next.Seq, item.Seq)
}

func TestQueueStatsAndPeek(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)
	mustEnqueue(t, queue, post("urgent one", core.PriorityUrgent))
	mustEnqueue(t, queue, post("normal two words", core.PriorityNormal))
	req := post("blocked three items", core.PriorityLow)
	req.DependsOn = []string{"unknown"}
	mustEnqueue(t, queue, req)

	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Active)
	require.Equal(t, 1, stats.ByStatus[core.StatusProcessing])
	require.Equal(t, 1, stats.ByStatus[core.StatusBlocked])
	require.Equal(t, map[string]int{"normal": 1, "low": 1}, stats.ByPriority)

	peeked, err := queue.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	require.Equal(t, core.PriorityNormal, peeked[0].Priority)
}

func TestQueueConcurrentDequeue(t *testing.T) {
	ctx := context.Background()
	queue, _, _ := newTestQueue(t)
	const total = 40
	for i := 0; i < total; i++ {
		req := post(fmt.Sprintf("item %d", i), core.PriorityNormal)
		req.AllowDuplicate = true
		mustEnqueue(t, queue, req)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := queue.Dequeue(ctx)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s dequeued more than once", id)
	}
}

func TestQueueConcurrentEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	queue, store, _ := newTestQueue(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = queue.Enqueue(ctx, post("the very same announcement", core.PriorityNormal))
		}()
	}
	wg.Wait()

	items, err := store.ListItems(ctx, core.QueueFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func ids(items []*core.QueueItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func (m *memoryQueueStore) forceStatus(id string, status core.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return core.ErrNotFound
	}
	item.Status = status
	return nil
}
