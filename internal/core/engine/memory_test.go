package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/postpace/postpace/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memoryQueueStore struct {
	mu    sync.Mutex
	items map[string]*core.QueueItem
}

func newMemoryQueueStore() *memoryQueueStore {
	return &memoryQueueStore{items: make(map[string]*core.QueueItem)}
}

func (m *memoryQueueStore) InsertItem(ctx context.Context, item *core.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *memoryQueueStore) GetItem(ctx context.Context, id string) (*core.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Clone(), nil
}

func (m *memoryQueueStore) ListItems(ctx context.Context, filter core.QueueFilter) ([]*core.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.QueueItem
	for _, item := range m.items {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, item.Status) {
			continue
		}
		if filter.Tag != "" && !item.HasTag(filter.Tag) {
			continue
		}
		if filter.Action != "" && item.Action != filter.Action {
			continue
		}
		if filter.DueBefore != nil && item.ScheduledAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryQueueStore) SwapItem(ctx context.Context, item *core.QueueItem, expected ...core.ItemStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[item.ID]
	if !ok || !containsStatus(expected, current.Status) {
		return false, nil
	}
	m.items[item.ID] = item.Clone()
	return true, nil
}

func (m *memoryQueueStore) MaxSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seq int64
	for _, item := range m.items {
		seq = max(seq, item.Seq)
	}
	return seq, nil
}

func (m *memoryQueueStore) status(id string) core.ItemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		return item.Status
	}
	return ""
}

func containsStatus(statuses []core.ItemStatus, status core.ItemStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

type memoryGovernorStore struct {
	mu        sync.Mutex
	snapshots map[string]core.EndpointSnapshot
	daily     map[string]map[string]int
	events    []core.RateLimitEvent
}

func newMemoryGovernorStore() *memoryGovernorStore {
	return &memoryGovernorStore{
		snapshots: make(map[string]core.EndpointSnapshot),
		daily:     make(map[string]map[string]int),
	}
}

func (m *memoryGovernorStore) LoadEndpointSnapshots(ctx context.Context) ([]core.EndpointSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.EndpointSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (m *memoryGovernorStore) SaveEndpointSnapshot(ctx context.Context, snap core.EndpointSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.snapshots[snap.Config.Endpoint]; ok && existing.Version > snap.Version {
		return nil
	}
	m.snapshots[snap.Config.Endpoint] = snap
	return nil
}

func (m *memoryGovernorStore) LoadDailyUsage(ctx context.Context, date string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for bucket, used := range m.daily[date] {
		out[bucket] = used
	}
	return out, nil
}

func (m *memoryGovernorStore) SaveDailyUsage(ctx context.Context, date, bucket string, used int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.daily[date] == nil {
		m.daily[date] = make(map[string]int)
	}
	m.daily[date][bucket] = max(m.daily[date][bucket], used)
	return nil
}

func (m *memoryGovernorStore) RecordEvent(ctx context.Context, event core.RateLimitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *memoryGovernorStore) eventsFor(endpoint, action string) []core.RateLimitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.RateLimitEvent
	for _, e := range m.events {
		if e.Endpoint == endpoint && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
