package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/dedup"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Minute
	DefaultRetryMaxDelay  = time.Hour

	dequeueBatch = 32
)

// QueueStore persists queue items.
type QueueStore interface {
	InsertItem(ctx context.Context, item *core.QueueItem) error
	// GetItem returns nil, nil for unknown ids.
	GetItem(ctx context.Context, id string) (*core.QueueItem, error)
	// ListItems orders by priority, scheduled_at, created_at, seq.
	ListItems(ctx context.Context, filter core.QueueFilter) ([]*core.QueueItem, error)
	// SwapItem writes item only if the stored status is one of expected.
	SwapItem(ctx context.Context, item *core.QueueItem, expected ...core.ItemStatus) (bool, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// PostingWindow restricts dequeue to an hour range [Start, End) in a timezone.
// Start > End wraps midnight.
type PostingWindow struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w *PostingWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// NewPostingWindow validates hours and loads the IANA timezone.
func NewPostingWindow(start, end int, timezone string) (*PostingWindow, error) {
	if start < 0 || start > 23 {
		return nil, core.NewValidationError("start_hour", "must be 0-23")
	}
	if end < 0 || end > 24 {
		return nil, core.NewValidationError("end_hour", "must be 0-24")
	}
	if start == end {
		return nil, core.NewValidationError("end_hour", "window must not be empty")
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, core.NewValidationError("timezone", err.Error())
	}
	return &PostingWindow{Start: start, End: end, Location: loc}, nil
}

// EnqueueRequest describes a new queue item. The zero Priority is PriorityUrgent;
// callers set it explicitly.
type EnqueueRequest struct {
	ID             string
	Action         core.Action
	Target         string
	Content        string
	Priority       core.Priority
	ScheduledAt    time.Time
	DependsOn      []string
	Tags           []string
	MaxRetries     int
	Metadata       map[string]string
	AllowDuplicate bool
}

// ActionQueue is the durable priority queue of outbound actions.
type ActionQueue struct {
	Store    QueueStore
	Dedup    *dedup.Engine
	Clock    func() time.Time
	Logger   Logger
	Recorder Recorder

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	mu      sync.Mutex
	seq     int64
	seqInit bool

	windowMu sync.RWMutex
	window   *PostingWindow
}

// NewActionQueue returns a queue with default retry policy and dedup engine.
func NewActionQueue(store QueueStore) *ActionQueue {
	return &ActionQueue{
		Store:          store,
		Dedup:          dedup.New(),
		MaxRetries:     DefaultMaxRetries,
		RetryBaseDelay: DefaultRetryBaseDelay,
		RetryMaxDelay:  DefaultRetryMaxDelay,
	}
}

// SetPostingWindow limits dequeue to the window. nil clears it.
func (q *ActionQueue) SetPostingWindow(w *PostingWindow) {
	q.windowMu.Lock()
	q.window = w
	q.windowMu.Unlock()
}

// InPostingWindow reports whether dequeue would currently hand out work.
func (q *ActionQueue) InPostingWindow() bool {
	q.windowMu.RLock()
	defer q.windowMu.RUnlock()
	return q.window.Contains(q.now())
}

// Enqueue validates and stores a new item. It returns (nil, ErrDuplicateContent)
// when similar content is already waiting.
func (q *ActionQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*core.QueueItem, error) {
	item, err := q.buildItem(req)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, err := q.Store.GetItem(ctx, item.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, core.NewValidationError("id", fmt.Sprintf("item %s already exists", item.ID))
	}

	if !req.AllowDuplicate {
		dup, score, err := q.isDuplicate(ctx, item)
		if err != nil {
			return nil, err
		}
		if dup {
			q.logger().Info("Duplicate content rejected",
				zap.String("action", string(item.Action)),
				zap.Float64("similarity", score))
			return nil, core.ErrDuplicateContent
		}
	}

	resolved, err := q.checkDependencies(ctx, item)
	if err != nil {
		return nil, err
	}
	if !resolved {
		item.Status = core.StatusBlocked
	}

	if err := q.nextSeq(ctx, item); err != nil {
		return nil, err
	}
	if err := q.Store.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}

	q.recorder().RecordTransition("", item.Status)
	q.logger().Debug("Item enqueued",
		zap.String("id", item.ID),
		zap.String("action", string(item.Action)),
		zap.String("priority", item.Priority.String()),
		zap.String("status", string(item.Status)))
	return item.Clone(), nil
}

func (q *ActionQueue) buildItem(req EnqueueRequest) (*core.QueueItem, error) {
	action, err := core.ParseAction(string(req.Action))
	if err != nil {
		return nil, err
	}
	if !req.Priority.Valid() {
		return nil, core.NewValidationError("priority", fmt.Sprintf("unknown priority %d", int(req.Priority)))
	}
	content := strings.TrimSpace(req.Content)
	if action.NeedsContent() && content == "" {
		return nil, core.NewValidationError("content", "content is required")
	}
	target := strings.TrimSpace(req.Target)
	if action.NeedsTarget() && target == "" {
		return nil, core.NewValidationError("target", "target is required")
	}

	now := q.now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries()
	}

	deps := make([]string, 0, len(req.DependsOn))
	seen := make(map[string]struct{}, len(req.DependsOn))
	for _, dep := range req.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if dep == id {
			return nil, core.NewValidationError("depends_on", "item cannot depend on itself")
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}

	var metadata map[string]string
	if len(req.Metadata) > 0 {
		metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			metadata[k] = v
		}
	}

	return &core.QueueItem{
		ID:          id,
		Action:      action,
		Target:      target,
		Content:     content,
		Priority:    req.Priority,
		ScheduledAt: scheduled.UTC(),
		DependsOn:   deps,
		Tags:        append([]string(nil), req.Tags...),
		MaxRetries:  maxRetries,
		Status:      core.StatusPending,
		CreatedAt:   now,
		Metadata:    metadata,
	}, nil
}

func (q *ActionQueue) isDuplicate(ctx context.Context, item *core.QueueItem) (bool, float64, error) {
	active, err := q.Store.ListItems(ctx, core.QueueFilter{
		Statuses: []core.ItemStatus{core.StatusPending, core.StatusBlocked, core.StatusProcessing},
		Action:   item.Action,
	})
	if err != nil {
		return false, 0, fmt.Errorf("list active items: %w", err)
	}

	if !item.Action.NeedsContent() {
		for _, other := range active {
			if other.Target == item.Target {
				return true, 1, nil
			}
		}
		return false, 0, nil
	}

	contents := make([]string, 0, len(active))
	for _, other := range active {
		if item.Action == core.ActionDM && other.Target != item.Target {
			continue
		}
		contents = append(contents, other.Content)
	}
	engine := q.Dedup
	if engine == nil {
		engine = dedup.New()
	}
	dup, score := engine.IsDuplicate(item.Content, contents)
	return dup, score, nil
}

// checkDependencies rejects cycles and reports whether every dependency is completed.
func (q *ActionQueue) checkDependencies(ctx context.Context, item *core.QueueItem) (bool, error) {
	resolved := true
	for _, dep := range item.DependsOn {
		existing, err := q.Store.GetItem(ctx, dep)
		if err != nil {
			return false, err
		}
		if existing == nil || existing.Status != core.StatusCompleted {
			resolved = false
		}
	}

	// A new item closes a cycle only if something it depends on already
	// depends on it, which custom ids make possible.
	visited := make(map[string]bool)
	var walk func(id string) (bool, error)
	walk = func(id string) (bool, error) {
		if id == item.ID {
			return true, nil
		}
		if visited[id] {
			return false, nil
		}
		visited[id] = true
		node, err := q.Store.GetItem(ctx, id)
		if err != nil || node == nil {
			return false, err
		}
		for _, next := range node.DependsOn {
			found, err := walk(next)
			if err != nil || found {
				return found, err
			}
		}
		return false, nil
	}
	for _, dep := range item.DependsOn {
		cycle, err := walk(dep)
		if err != nil {
			return false, err
		}
		if cycle {
			return false, core.NewValidationError("depends_on", fmt.Sprintf("dependency cycle through %s", dep))
		}
	}
	return resolved, nil
}

func (q *ActionQueue) nextSeq(ctx context.Context, item *core.QueueItem) error {
	if !q.seqInit {
		seq, err := q.Store.MaxSeq(ctx)
		if err != nil {
			return fmt.Errorf("load queue sequence: %w", err)
		}
		q.seq = seq
		q.seqInit = true
	}
	q.seq++
	item.Seq = q.seq
	return nil
}

// Dequeue claims the next due item. It returns nil, nil outside the posting
// window or when nothing is due.
func (q *ActionQueue) Dequeue(ctx context.Context) (*core.QueueItem, error) {
	if !q.InPostingWindow() {
		return nil, nil
	}
	if _, err := q.resolveBlocked(ctx); err != nil {
		return nil, err
	}

	now := q.now()
	for {
		candidates, err := q.Store.ListItems(ctx, core.QueueFilter{
			Statuses:  []core.ItemStatus{core.StatusPending},
			DueBefore: &now,
			Limit:     dequeueBatch,
		})
		if err != nil {
			return nil, fmt.Errorf("list due items: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, candidate := range candidates {
			claimed := candidate.Clone()
			claimed.Status = core.StatusProcessing
			ok, err := q.Store.SwapItem(ctx, claimed, core.StatusPending)
			if err != nil {
				return nil, fmt.Errorf("claim item %s: %w", candidate.ID, err)
			}
			if ok {
				q.recorder().RecordTransition(core.StatusPending, core.StatusProcessing)
				return claimed, nil
			}
		}
		// every candidate was claimed concurrently; look again
		if len(candidates) < dequeueBatch {
			return nil, nil
		}
	}
}

// resolveBlocked moves BLOCKED items whose dependencies are all completed to PENDING.
func (q *ActionQueue) resolveBlocked(ctx context.Context) (int, error) {
	blocked, err := q.Store.ListItems(ctx, core.QueueFilter{Statuses: []core.ItemStatus{core.StatusBlocked}})
	if err != nil {
		return 0, fmt.Errorf("list blocked items: %w", err)
	}

	statuses := make(map[string]core.ItemStatus)
	unblocked := 0
	for _, item := range blocked {
		ready := true
		for _, dep := range item.DependsOn {
			status, ok := statuses[dep]
			if !ok {
				existing, err := q.Store.GetItem(ctx, dep)
				if err != nil {
					return unblocked, err
				}
				if existing != nil {
					status = existing.Status
				}
				statuses[dep] = status
			}
			if status != core.StatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		next := item.Clone()
		next.Status = core.StatusPending
		ok, err := q.Store.SwapItem(ctx, next, core.StatusBlocked)
		if err != nil {
			return unblocked, err
		}
		if ok {
			unblocked++
			q.recorder().RecordTransition(core.StatusBlocked, core.StatusPending)
		}
	}
	return unblocked, nil
}

// Complete marks a processing item completed. Completing a completed item is a no-op.
func (q *ActionQueue) Complete(ctx context.Context, id string) error {
	item, err := q.mustGet(ctx, id)
	if err != nil {
		return err
	}
	switch item.Status {
	case core.StatusCompleted:
		return nil
	case core.StatusProcessing:
	default:
		return fmt.Errorf("complete %s from %s: %w", id, item.Status, core.ErrInvalidTransition)
	}

	now := q.now()
	item.Status = core.StatusCompleted
	item.CompletedAt = &now
	ok, err := q.Store.SwapItem(ctx, item, core.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if !ok {
		// lost a race; re-read to decide
		return q.Complete(ctx, id)
	}
	q.recorder().RecordTransition(core.StatusProcessing, core.StatusCompleted)

	if _, err := q.resolveBlocked(ctx); err != nil {
		q.logger().Warn("Failed to resolve dependents", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Fail records a dispatch failure. Items with retries left return to PENDING
// after an exponential backoff; exhausted items become FAILED. Failing a failed
// item is a no-op.
func (q *ActionQueue) Fail(ctx context.Context, id string, cause error) error {
	item, err := q.mustGet(ctx, id)
	if err != nil {
		return err
	}
	switch item.Status {
	case core.StatusFailed:
		return nil
	case core.StatusProcessing:
	default:
		return fmt.Errorf("fail %s from %s: %w", id, item.Status, core.ErrInvalidTransition)
	}

	now := q.now()
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	item.ErrorMessage = message
	item.History = append(item.History, core.Attempt{At: now, Error: message})

	if item.RetryCount < item.MaxRetries {
		item.ScheduledAt = now.Add(q.Backoff(item.RetryCount))
		item.RetryCount++
		item.Status = core.StatusPending
	} else {
		item.Status = core.StatusFailed
		item.CompletedAt = &now
	}

	ok, err := q.Store.SwapItem(ctx, item, core.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if !ok {
		return q.Fail(ctx, id, cause)
	}
	q.recorder().RecordTransition(core.StatusProcessing, item.Status)

	if item.Status == core.StatusFailed {
		q.logger().Warn("Item failed permanently",
			zap.String("id", id),
			zap.Int("retries", item.RetryCount),
			zap.String("error", message))
	} else {
		q.logger().Info("Item scheduled for retry",
			zap.String("id", id),
			zap.Int("retry", item.RetryCount),
			zap.Time("scheduled_at", item.ScheduledAt))
	}
	return nil
}

// Backoff returns the retry delay after retryCount previous failures.
func (q *ActionQueue) Backoff(retryCount int) time.Duration {
	base := q.RetryBaseDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	ceiling := q.RetryMaxDelay
	if ceiling <= 0 {
		ceiling = DefaultRetryMaxDelay
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return min(delay, ceiling)
}

// Defer returns a processing item to PENDING at until without counting a retry.
func (q *ActionQueue) Defer(ctx context.Context, id string, until time.Time, reason string) error {
	item, err := q.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != core.StatusProcessing {
		return fmt.Errorf("defer %s from %s: %w", id, item.Status, core.ErrInvalidTransition)
	}

	item.Status = core.StatusPending
	item.ScheduledAt = until.UTC()
	ok, err := q.Store.SwapItem(ctx, item, core.StatusProcessing)
	if err != nil {
		return fmt.Errorf("defer %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("defer %s: %w", id, core.ErrInvalidTransition)
	}
	q.recorder().RecordTransition(core.StatusProcessing, core.StatusPending)
	q.logger().Debug("Item deferred",
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Time("until", item.ScheduledAt))
	return nil
}

// Cancel cancels a PENDING or BLOCKED item. It reports false for any other status.
func (q *ActionQueue) Cancel(ctx context.Context, id string) (bool, error) {
	item, err := q.mustGet(ctx, id)
	if err != nil {
		return false, err
	}
	return q.cancel(ctx, item)
}

func (q *ActionQueue) cancel(ctx context.Context, item *core.QueueItem) (bool, error) {
	if item.Status != core.StatusPending && item.Status != core.StatusBlocked {
		return false, nil
	}
	from := item.Status
	now := q.now()
	item.Status = core.StatusCancelled
	item.CompletedAt = &now
	ok, err := q.Store.SwapItem(ctx, item, core.StatusPending, core.StatusBlocked)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", item.ID, err)
	}
	if ok {
		q.recorder().RecordTransition(from, core.StatusCancelled)
	}
	return ok, nil
}

// BulkCancel cancels every PENDING or BLOCKED item carrying tag.
func (q *ActionQueue) BulkCancel(ctx context.Context, tag string) (int, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, core.NewValidationError("tag", "tag is required")
	}
	items, err := q.Store.ListItems(ctx, core.QueueFilter{Statuses: core.ActiveStatuses, Tag: tag})
	if err != nil {
		return 0, fmt.Errorf("list tagged items: %w", err)
	}
	count := 0
	for _, item := range items {
		if !item.HasTag(tag) {
			continue
		}
		ok, err := q.cancel(ctx, item)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Reschedule moves a PENDING or BLOCKED item to a new time.
func (q *ActionQueue) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	if at.IsZero() {
		return false, core.NewValidationError("scheduled_at", "time is required")
	}
	item, err := q.mustGet(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status != core.StatusPending && item.Status != core.StatusBlocked {
		return false, nil
	}
	item.ScheduledAt = at.UTC()
	return q.Store.SwapItem(ctx, item, item.Status)
}

// ScheduleConflicts groups waiting items scheduled within window of the group's
// first item. Only groups of two or more are returned.
func (q *ActionQueue) ScheduleConflicts(ctx context.Context, window time.Duration) ([][]*core.QueueItem, error) {
	if window <= 0 {
		return nil, core.NewValidationError("window", "must be positive")
	}
	items, err := q.Store.ListItems(ctx, core.QueueFilter{Statuses: core.ActiveStatuses})
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ScheduledAt.Before(items[j].ScheduledAt) })

	var groups [][]*core.QueueItem
	var group []*core.QueueItem
	for _, item := range items {
		if len(group) > 0 && item.ScheduledAt.Sub(group[0].ScheduledAt) < window {
			group = append(group, item)
			continue
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
		group = []*core.QueueItem{item}
	}
	if len(group) > 1 {
		groups = append(groups, group)
	}
	return groups, nil
}

// Peek returns up to n waiting items in dequeue order without claiming them.
func (q *ActionQueue) Peek(ctx context.Context, n int) ([]*core.QueueItem, error) {
	if n <= 0 {
		n = 5
	}
	return q.Store.ListItems(ctx, core.QueueFilter{Statuses: core.ActiveStatuses, Limit: n})
}

// Get returns an item by id.
func (q *ActionQueue) Get(ctx context.Context, id string) (*core.QueueItem, error) {
	return q.mustGet(ctx, id)
}

// List returns items matching filter.
func (q *ActionQueue) List(ctx context.Context, filter core.QueueFilter) ([]*core.QueueItem, error) {
	return q.Store.ListItems(ctx, filter)
}

// Stats counts items by status, and waiting items by priority.
func (q *ActionQueue) Stats(ctx context.Context) (core.QueueStats, error) {
	items, err := q.Store.ListItems(ctx, core.QueueFilter{})
	if err != nil {
		return core.QueueStats{}, fmt.Errorf("list items: %w", err)
	}
	stats := core.QueueStats{
		ByStatus:   make(map[core.ItemStatus]int),
		ByPriority: make(map[string]int),
	}
	for _, item := range items {
		stats.Total++
		stats.ByStatus[item.Status]++
		if item.Status == core.StatusPending || item.Status == core.StatusBlocked {
			stats.Active++
			stats.ByPriority[item.Priority.String()]++
		}
	}
	return stats, nil
}

// Recover returns items left PROCESSING by a crash to PENDING.
func (q *ActionQueue) Recover(ctx context.Context) (int, error) {
	stuck, err := q.Store.ListItems(ctx, core.QueueFilter{Statuses: []core.ItemStatus{core.StatusProcessing}})
	if err != nil {
		return 0, fmt.Errorf("list processing items: %w", err)
	}
	recovered := 0
	for _, item := range stuck {
		item.Status = core.StatusPending
		ok, err := q.Store.SwapItem(ctx, item, core.StatusProcessing)
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", item.ID, err)
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		q.logger().Info("Recovered in-flight items", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (q *ActionQueue) mustGet(ctx context.Context, id string) (*core.QueueItem, error) {
	item, err := q.Store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return item, nil
}

func (q *ActionQueue) maxRetries() int {
	if q.MaxRetries > 0 {
		return q.MaxRetries
	}
	return DefaultMaxRetries
}

func (q *ActionQueue) now() time.Time {
	return systemNow(q.Clock)
}

func (q *ActionQueue) logger() Logger {
	return loggerOrNop(q.Logger)
}

func (q *ActionQueue) recorder() Recorder {
	return recorderOrNop(q.Recorder)
}
