package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/limiter"
)

const (
	// DefaultRetryAfter is the wait advised after a 429 without Retry-After.
	DefaultRetryAfter = 60 * time.Second

	healthUsageWarning = 90.0
	topThrottledCount  = 5
)

// GovernorStore persists governor state.
type GovernorStore interface {
	LoadEndpointSnapshots(ctx context.Context) ([]core.EndpointSnapshot, error)
	// SaveEndpointSnapshot must not overwrite a stored snapshot with a higher version.
	SaveEndpointSnapshot(ctx context.Context, snap core.EndpointSnapshot) error
	LoadDailyUsage(ctx context.Context, date string) (map[string]int, error)
	// SaveDailyUsage must keep the larger of the stored and the given count.
	SaveDailyUsage(ctx context.Context, date, bucket string, used int) error
	RecordEvent(ctx context.Context, event core.RateLimitEvent) error
}

// Governor decides whether an action against an endpoint may proceed now.
type Governor struct {
	Store    GovernorStore
	Clock    func() time.Time
	Logger   Logger
	Recorder Recorder

	margin    atomic.Uint64
	endpoints *xsync.Map[string, *endpointState]

	// daily routes endpoint key -> bucket name, limits bucket name -> ceiling
	dailyRoutes *xsync.Map[string, string]
	dailyLimits *xsync.Map[string, int]
	// daily counters keyed "date|bucket"
	dailyCounts *xsync.Map[string, *atomic.Int64]
	dailyDate   atomic.Value
}

type endpointState struct {
	mu sync.Mutex

	config  core.EndpointConfig
	window  *limiter.SlidingWindow
	bucket  *limiter.TokenBucket
	breaker *limiter.CircuitBreaker
	backoff time.Time

	allowed int64
	denied  int64
	errors  int64
	version int64
}

// NewGovernor returns an empty governor.
func NewGovernor(store GovernorStore) *Governor {
	return &Governor{
		Store:       store,
		endpoints:   xsync.NewMap[string, *endpointState](),
		dailyRoutes: xsync.NewMap[string, string](),
		dailyLimits: xsync.NewMap[string, int](),
		dailyCounts: xsync.NewMap[string, *atomic.Int64](),
	}
}

// ApplySafetyMargin shrinks the max requests of endpoints configured afterwards by a ratio (0-1].
func (g *Governor) ApplySafetyMargin(margin float64) {
	if g == nil || margin <= 0 || margin > 1 {
		return
	}
	g.margin.Store(math.Float64bits(margin))
}

// ApplyPreset configures every endpoint and daily bucket of a preset.
func (g *Governor) ApplyPreset(ctx context.Context, preset Preset) error {
	for _, cfg := range preset.Endpoints {
		if err := g.Configure(ctx, cfg); err != nil {
			return fmt.Errorf("preset %s: %w", preset.Name, err)
		}
	}
	for endpoint, bucket := range preset.Daily {
		if err := g.SetDailyLimit(endpoint, bucket); err != nil {
			return fmt.Errorf("preset %s: %w", preset.Name, err)
		}
	}
	return nil
}

// LimitsFile is the YAML layout of a declared limits file.
type LimitsFile struct {
	Endpoints []core.EndpointConfig `yaml:"endpoints"`
	Daily     []struct {
		Endpoint string `yaml:"endpoint"`
		Bucket   string `yaml:"bucket"`
		Limit    int    `yaml:"limit"`
	} `yaml:"daily"`
}

// LoadLimitsFile applies endpoint and daily limits declared in a YAML file.
func (g *Governor) LoadLimitsFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read limits file: %w", err)
	}
	var file LimitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse limits file %s: %w", path, err)
	}
	for _, cfg := range file.Endpoints {
		if err := g.Configure(ctx, cfg); err != nil {
			return fmt.Errorf("limits file %s: %w", path, err)
		}
	}
	for _, d := range file.Daily {
		if err := g.SetDailyLimit(d.Endpoint, core.DailyBucket{Name: d.Bucket, Limit: d.Limit}); err != nil {
			return fmt.Errorf("limits file %s: %w", path, err)
		}
	}
	return nil
}

// SetDailyLimit routes an endpoint to a named daily bucket.
func (g *Governor) SetDailyLimit(endpoint string, bucket core.DailyBucket) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return core.NewValidationError("endpoint", "endpoint is required")
	}
	name := strings.TrimSpace(bucket.Name)
	if name == "" {
		return core.NewValidationError("bucket", "bucket name is required")
	}
	if bucket.Limit <= 0 {
		return core.NewValidationError("limit", "daily limit must be positive")
	}
	g.dailyLimits.Store(name, bucket.Limit)
	g.dailyRoutes.Store(endpoint, name)
	return nil
}

// Configure (re)initializes all guards for an endpoint.
func (g *Governor) Configure(ctx context.Context, cfg core.EndpointConfig) error {
	cfg, err := g.normalizeConfig(cfg, true)
	if err != nil {
		return err
	}

	now := g.now()
	st, loaded := g.endpoints.LoadOrCompute(cfg.Endpoint, func() (*endpointState, bool) {
		return newEndpointState(cfg), false
	})

	st.mu.Lock()
	if loaded {
		st.config = cfg
		st.window = limiter.NewSlidingWindow(cfg.Window, cfg.MaxRequests)
		st.bucket = newBucket(cfg)
		st.breaker = limiter.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.HalfOpenMaxCalls)
		st.backoff = time.Time{}
	}
	snap := st.snapshot(now)
	st.mu.Unlock()

	g.logger().Debug("Endpoint configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("max_requests", cfg.MaxRequests),
		zap.Duration("window", cfg.Window),
		zap.Int("burst_size", cfg.BurstSize))

	return g.saveSnapshot(ctx, snap)
}

// Reconfigure applies cfg without discarding live state. An endpoint whose
// normalized config is unchanged is left alone and false is returned. A changed
// endpoint gets new guards seeded with the current window timestamps, breaker
// and backoff; only the token bucket starts over.
func (g *Governor) Reconfigure(ctx context.Context, cfg core.EndpointConfig) (bool, error) {
	cfg, err := g.normalizeConfig(cfg, true)
	if err != nil {
		return false, err
	}

	now := g.now()
	st, loaded := g.endpoints.LoadOrCompute(cfg.Endpoint, func() (*endpointState, bool) {
		return newEndpointState(cfg), false
	})

	st.mu.Lock()
	if loaded && st.config == cfg {
		st.mu.Unlock()
		return false, nil
	}
	if loaded {
		timestamps := st.window.Timestamps(now)
		breaker := st.breaker.Snapshot()

		st.config = cfg
		st.window = limiter.NewSlidingWindow(cfg.Window, cfg.MaxRequests)
		st.window.Restore(now, timestamps)
		st.bucket = newBucket(cfg)
		st.breaker = limiter.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.HalfOpenMaxCalls)
		st.breaker.Restore(breaker)
	}
	snap := st.snapshot(now)
	st.mu.Unlock()

	g.logger().Info("Endpoint reconfigured",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("max_requests", cfg.MaxRequests),
		zap.Duration("window", cfg.Window),
		zap.Int("in_window", len(snap.Timestamps)))

	return true, g.saveSnapshot(ctx, snap)
}

func (g *Governor) normalizeConfig(cfg core.EndpointConfig, applyMargin bool) (core.EndpointConfig, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	switch {
	case cfg.Endpoint == "":
		return cfg, core.NewValidationError("endpoint", "endpoint is required")
	case cfg.MaxRequests <= 0:
		return cfg, core.NewValidationError("max_requests", "must be positive")
	case cfg.Window <= 0:
		return cfg, core.NewValidationError("window", "must be positive")
	case cfg.BurstSize < 0:
		return cfg, core.NewValidationError("burst_size", "must not be negative")
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.BreakerThreshold < 0 {
		return cfg, core.NewValidationError("breaker_threshold", "must be positive")
	}
	if cfg.BreakerTimeout < 0 {
		return cfg, core.NewValidationError("breaker_timeout", "must be positive")
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	if margin := math.Float64frombits(g.margin.Load()); applyMargin && margin > 0 && margin < 1 {
		adjusted := int(math.Floor(float64(cfg.MaxRequests) * margin))
		if adjusted < 1 {
			adjusted = 1
		}
		cfg.MaxRequests = adjusted
	}
	return cfg, nil
}

// Check previews a decision without mutating any state.
func (g *Governor) Check(endpoint string, count int) core.Decision {
	now := g.now()
	count = max(count, 1)
	daily := g.dailyView(endpoint, now)

	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		return unconfiguredDecision(endpoint, count, daily, now)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evaluate(endpoint, now, count, daily)
}

// Acquire re-validates and, when allowed, commits the window record, token
// consumption, breaker trial admission and daily count. A denial mutates no guard.
// Acquire never blocks.
func (g *Governor) Acquire(ctx context.Context, endpoint string, count int, priority core.Priority) core.Decision {
	now := g.now()
	count = max(count, 1)
	daily := g.dailyView(endpoint, now)

	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		decision := unconfiguredDecision(endpoint, count, daily, now)
		if decision.Allowed && daily != nil {
			if !g.takeDaily(daily, count) {
				denyDaily(&decision, now)
			}
			decision.DailyRemaining = intPtr(daily.remaining())
		}
		g.afterAcquire(ctx, decision, priority, nil, daily)
		return decision
	}

	st.mu.Lock()
	decision := st.evaluate(endpoint, now, count, daily)
	if decision.Allowed && daily != nil && !g.takeDaily(daily, count) {
		// another endpoint sharing the bucket took the last slots
		denyDaily(&decision, now)
		decision.DailyRemaining = intPtr(daily.remaining())
	}

	var snap *core.EndpointSnapshot
	if decision.Allowed {
		st.window.Record(now, count)
		st.bucket.Consume(now, count)
		st.breaker.Admit(now)
		st.allowed += int64(count)
		decision.Remaining = st.window.Remaining(now)
		if daily != nil {
			decision.DailyRemaining = intPtr(daily.remaining())
		}
		s := st.snapshot(now)
		snap = &s
	} else {
		st.denied += int64(count)
	}
	st.mu.Unlock()

	g.afterAcquire(ctx, decision, priority, snap, daily)
	return decision
}

func (g *Governor) afterAcquire(ctx context.Context, decision core.Decision, priority core.Priority, snap *core.EndpointSnapshot, daily *dailyView) {
	g.recorder().RecordAdmission(decision.Endpoint, decision)

	if !decision.Allowed {
		g.logger().Debug("Admission denied",
			zap.String("endpoint", decision.Endpoint),
			zap.String("reason", string(decision.Reason)),
			zap.Duration("reset_after", decision.ResetAfter))
		g.recordEvent(ctx, decision.Endpoint, "acquire", "denied",
			fmt.Sprintf("reason=%s priority=%s reset_after=%s", decision.Reason, priority, decision.ResetAfter))
		return
	}

	if snap != nil {
		if err := g.saveSnapshot(ctx, *snap); err != nil {
			g.logger().Warn("Failed to persist endpoint state", zap.String("endpoint", decision.Endpoint), zap.Error(err))
		}
	}
	if daily != nil && g.Store != nil {
		if err := g.Store.SaveDailyUsage(ctx, daily.date, daily.bucket, int(daily.counter.Load())); err != nil {
			g.logger().Warn("Failed to persist daily usage", zap.String("bucket", daily.bucket), zap.Error(err))
		}
	}
}

// Release feeds the outcome of a granted call into the endpoint's breaker.
func (g *Governor) Release(ctx context.Context, endpoint string, success bool) {
	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		return
	}

	now := g.now()
	st.mu.Lock()
	if success {
		st.breaker.RecordSuccess(now)
	} else {
		st.breaker.RecordFailure(now)
		st.errors++
	}
	state := st.breaker.State(now)
	snap := st.snapshot(now)
	st.mu.Unlock()

	if err := g.saveSnapshot(ctx, snap); err != nil {
		g.logger().Warn("Failed to persist endpoint state", zap.String("endpoint", endpoint), zap.Error(err))
	}
	if !success {
		g.logger().Info("Dispatch failure recorded",
			zap.String("endpoint", endpoint),
			zap.String("breaker_state", string(state)))
		g.recordEvent(ctx, endpoint, "release", "failure", "breaker="+string(state))
	}
}

// Abandon ends a granted call that never produced an outcome, such as one cut
// short by shutdown. The breaker gets no success or failure; a half-open trial
// slot is handed back.
func (g *Governor) Abandon(ctx context.Context, endpoint string) {
	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		return
	}

	now := g.now()
	st.mu.Lock()
	st.breaker.Abandon(now)
	snap := st.snapshot(now)
	st.mu.Unlock()

	if err := g.saveSnapshot(ctx, snap); err != nil {
		g.logger().Warn("Failed to persist endpoint state", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// Handle429 applies an authoritative throttle from the platform: the window is
// emptied, a breaker failure recorded and further admissions held back for the
// advised wait, which is returned.
func (g *Governor) Handle429(ctx context.Context, endpoint string, retryAfter time.Duration) time.Duration {
	wait := retryAfter
	if wait <= 0 {
		wait = DefaultRetryAfter
	}

	state := core.BreakerState("n/a")
	if st, ok := g.endpoints.Load(endpoint); ok {
		now := g.now()
		st.mu.Lock()
		st.window.Clear()
		st.breaker.RecordFailure(now)
		st.errors++
		if until := now.Add(wait); until.After(st.backoff) {
			st.backoff = until
		}
		state = st.breaker.State(now)
		snap := st.snapshot(now)
		st.mu.Unlock()

		if err := g.saveSnapshot(ctx, snap); err != nil {
			g.logger().Warn("Failed to persist endpoint state", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}

	g.logger().Warn("Platform rate limit received",
		zap.String("endpoint", endpoint),
		zap.Duration("retry_after", wait),
		zap.String("breaker_state", string(state)))
	g.recordEvent(ctx, endpoint, "429_received", "throttled",
		fmt.Sprintf("retry_after=%s breaker=%s", wait, state))
	return wait
}

// Restore reloads persisted endpoint snapshots and today's daily usage.
// Endpoints already configured keep their in-memory config.
func (g *Governor) Restore(ctx context.Context) error {
	if g.Store == nil {
		return nil
	}

	snaps, err := g.Store.LoadEndpointSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load endpoint state: %w", err)
	}

	now := g.now()
	for _, snap := range snaps {
		// stored configs already carry the margin
		cfg, err := g.normalizeConfig(snap.Config, false)
		if err != nil {
			g.logger().Warn("Skipping invalid stored endpoint", zap.String("endpoint", snap.Config.Endpoint), zap.Error(err))
			continue
		}
		st, _ := g.endpoints.LoadOrCompute(cfg.Endpoint, func() (*endpointState, bool) {
			return newEndpointState(cfg), false
		})
		st.mu.Lock()
		st.window.Restore(now, snap.Timestamps)
		st.breaker.Restore(snap.Breaker)
		if snap.Backoff.After(now) {
			st.backoff = snap.Backoff
		}
		if snap.Version > st.version {
			st.version = snap.Version
		}
		st.mu.Unlock()
	}

	date := dateKey(now)
	usage, err := g.Store.LoadDailyUsage(ctx, date)
	if err != nil {
		return fmt.Errorf("load daily usage: %w", err)
	}
	g.rollover(date)
	for bucket, used := range usage {
		counter := g.counter(date, bucket)
		for {
			cur := counter.Load()
			if int64(used) <= cur || counter.CompareAndSwap(cur, int64(used)) {
				break
			}
		}
	}

	g.logger().Info("Governor state restored",
		zap.Int("endpoints", len(snaps)),
		zap.Int("daily_buckets", len(usage)))
	return nil
}

// Endpoint returns the operator view of one configured endpoint.
func (g *Governor) Endpoint(endpoint string) (core.EndpointStatus, bool) {
	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		return core.EndpointStatus{}, false
	}
	now := g.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status(endpoint, now), true
}

// Configs returns every configured endpoint config sorted by key.
func (g *Governor) Configs() []core.EndpointConfig {
	var configs []core.EndpointConfig
	g.endpoints.Range(func(_ string, st *endpointState) bool {
		st.mu.Lock()
		configs = append(configs, st.config)
		st.mu.Unlock()
		return true
	})
	sort.Slice(configs, func(i, j int) bool { return configs[i].Endpoint < configs[j].Endpoint })
	return configs
}

// Stats aggregates counters and per-endpoint status.
func (g *Governor) Stats() core.GovernorStats {
	now := g.now()
	stats := core.GovernorStats{}

	g.endpoints.Range(func(key string, st *endpointState) bool {
		st.mu.Lock()
		status := st.status(key, now)
		st.mu.Unlock()

		stats.Endpoints = append(stats.Endpoints, status)
		stats.TotalAllowed += status.Allowed
		stats.TotalDenied += status.Denied
		stats.TotalErrors += status.Errors
		if status.BreakerState == core.BreakerOpen {
			stats.OpenBreakers++
		}
		return true
	})

	stats.ConfiguredEndpoints = len(stats.Endpoints)
	sort.Slice(stats.Endpoints, func(i, j int) bool { return stats.Endpoints[i].Endpoint < stats.Endpoints[j].Endpoint })

	if total := stats.TotalAllowed + stats.TotalDenied; total > 0 {
		stats.DenyRate = float64(stats.TotalDenied) / float64(total) * 100
	}

	var throttled []core.EndpointStatus
	for _, status := range stats.Endpoints {
		if status.Denied > 0 {
			throttled = append(throttled, status)
		}
	}
	sort.SliceStable(throttled, func(i, j int) bool { return throttled[i].Denied > throttled[j].Denied })
	if len(throttled) > topThrottledCount {
		throttled = throttled[:topThrottledCount]
	}
	stats.TopThrottled = throttled
	return stats
}

// Health reports open breakers as issues and half-open breakers or high window
// usage as warnings.
func (g *Governor) Health() core.GovernorHealth {
	stats := g.Stats()
	health := core.GovernorHealth{
		Issues:         []string{},
		Warnings:       []string{},
		EndpointsCount: stats.ConfiguredEndpoints,
	}

	for _, status := range stats.Endpoints {
		switch status.BreakerState {
		case core.BreakerOpen:
			health.ActiveBreakers++
			health.Issues = append(health.Issues, fmt.Sprintf("circuit breaker open: %s", status.Endpoint))
		case core.BreakerHalfOpen:
			health.ActiveBreakers++
			health.Warnings = append(health.Warnings, fmt.Sprintf("circuit breaker half-open: %s", status.Endpoint))
		}
		if status.UsagePercent > healthUsageWarning {
			health.Warnings = append(health.Warnings, fmt.Sprintf("high usage: %s at %.1f%%", status.Endpoint, status.UsagePercent))
		}
	}

	health.Healthy = len(health.Issues) == 0
	return health
}

// Reset clears the guards and counters of one endpoint.
func (g *Governor) Reset(ctx context.Context, endpoint string) bool {
	st, ok := g.endpoints.Load(endpoint)
	if !ok {
		return false
	}

	now := g.now()
	st.mu.Lock()
	st.window.Clear()
	st.bucket = newBucket(st.config)
	st.breaker.Reset()
	st.backoff = time.Time{}
	st.allowed, st.denied, st.errors = 0, 0, 0
	snap := st.snapshot(now)
	st.mu.Unlock()

	if err := g.saveSnapshot(ctx, snap); err != nil {
		g.logger().Warn("Failed to persist endpoint state", zap.String("endpoint", endpoint), zap.Error(err))
	}
	g.recordEvent(ctx, endpoint, "reset", "ok", "")
	return true
}

// ResetAll resets every configured endpoint and returns how many were reset.
func (g *Governor) ResetAll(ctx context.Context) int {
	var keys []string
	g.endpoints.Range(func(key string, _ *endpointState) bool {
		keys = append(keys, key)
		return true
	})
	count := 0
	for _, key := range keys {
		if g.Reset(ctx, key) {
			count++
		}
	}
	return count
}

// DailyUsage reports each declared bucket's usage on the UTC date of day.
func (g *Governor) DailyUsage(ctx context.Context, day time.Time) ([]core.DailyUsage, error) {
	date := dateKey(day)
	var used map[string]int

	if date == dateKey(g.now()) || g.Store == nil {
		used = make(map[string]int)
		g.dailyCounts.Range(func(key string, counter *atomic.Int64) bool {
			if d, bucket, ok := strings.Cut(key, "|"); ok && d == date {
				used[bucket] = int(counter.Load())
			}
			return true
		})
	} else {
		loaded, err := g.Store.LoadDailyUsage(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("load daily usage: %w", err)
		}
		used = loaded
	}

	var usage []core.DailyUsage
	g.dailyLimits.Range(func(bucket string, limit int) bool {
		n := used[bucket]
		entry := core.DailyUsage{
			Date:      date,
			Bucket:    bucket,
			Used:      n,
			Limit:     limit,
			Remaining: max(limit-n, 0),
		}
		if limit > 0 {
			entry.Percent = float64(n) / float64(limit) * 100
		}
		usage = append(usage, entry)
		return true
	})
	sort.Slice(usage, func(i, j int) bool { return usage[i].Bucket < usage[j].Bucket })
	return usage, nil
}

func (g *Governor) saveSnapshot(ctx context.Context, snap core.EndpointSnapshot) error {
	if g.Store == nil {
		return nil
	}
	return g.Store.SaveEndpointSnapshot(ctx, snap)
}

func (g *Governor) recordEvent(ctx context.Context, endpoint, action, result, details string) {
	if g.Store == nil {
		return
	}
	event := core.RateLimitEvent{
		Endpoint:  endpoint,
		Action:    action,
		Result:    result,
		Details:   details,
		CreatedAt: g.now(),
	}
	if err := g.Store.RecordEvent(ctx, event); err != nil {
		g.logger().Warn("Failed to record rate limit event", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (g *Governor) now() time.Time {
	if g == nil {
		return time.Now().UTC()
	}
	return systemNow(g.Clock)
}

func (g *Governor) logger() Logger {
	return loggerOrNop(g.Logger)
}

func (g *Governor) recorder() Recorder {
	return recorderOrNop(g.Recorder)
}

// dailyView is the daily bucket an endpoint counts against on one date.
type dailyView struct {
	date    string
	bucket  string
	limit   int
	counter *atomic.Int64
}

func (g *Governor) dailyView(endpoint string, now time.Time) *dailyView {
	bucket, ok := g.dailyRoutes.Load(endpoint)
	if !ok {
		return nil
	}
	limit, ok := g.dailyLimits.Load(bucket)
	if !ok {
		return nil
	}
	date := dateKey(now)
	g.rollover(date)
	return &dailyView{date: date, bucket: bucket, limit: limit, counter: g.counter(date, bucket)}
}

func (d *dailyView) remaining() int {
	return max(d.limit-int(d.counter.Load()), 0)
}

// takeDaily increments the daily counter if count fits under the ceiling.
func (g *Governor) takeDaily(d *dailyView, count int) bool {
	for {
		cur := d.counter.Load()
		if cur+int64(count) > int64(d.limit) {
			return false
		}
		if d.counter.CompareAndSwap(cur, cur+int64(count)) {
			return true
		}
	}
}

func (g *Governor) counter(date, bucket string) *atomic.Int64 {
	counter, _ := g.dailyCounts.LoadOrCompute(date+"|"+bucket, func() (*atomic.Int64, bool) {
		return new(atomic.Int64), false
	})
	return counter
}

// rollover drops counters from previous dates once the UTC date changes.
func (g *Governor) rollover(date string) {
	prev := g.dailyDate.Load()
	if current, _ := prev.(string); current == date {
		return
	}
	if !g.dailyDate.CompareAndSwap(prev, date) {
		return
	}
	g.dailyCounts.Range(func(key string, _ *atomic.Int64) bool {
		if !strings.HasPrefix(key, date+"|") {
			g.dailyCounts.Delete(key)
		}
		return true
	})
}

func newEndpointState(cfg core.EndpointConfig) *endpointState {
	return &endpointState{
		config:  cfg,
		window:  limiter.NewSlidingWindow(cfg.Window, cfg.MaxRequests),
		bucket:  newBucket(cfg),
		breaker: limiter.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.HalfOpenMaxCalls),
	}
}

func newBucket(cfg core.EndpointConfig) *limiter.TokenBucket {
	return limiter.NewTokenBucket(cfg.MaxRequests+cfg.BurstSize, float64(cfg.MaxRequests)/cfg.Window.Seconds())
}

// evaluate combines all guards. Callers hold st.mu.
func (st *endpointState) evaluate(endpoint string, now time.Time, count int, daily *dailyView) core.Decision {
	decision := core.Decision{
		Endpoint:     endpoint,
		Allowed:      true,
		Remaining:    st.window.Remaining(now),
		BreakerState: st.breaker.State(now),
		Configured:   true,
	}

	var reset time.Duration
	breakerOK := st.breaker.Allow(now)
	if !breakerOK {
		reset = max(reset, st.breaker.RetryAfter(now))
	}

	dailyOK := true
	if daily != nil {
		remaining := daily.remaining()
		decision.DailyRemaining = intPtr(remaining)
		if remaining < count {
			dailyOK = false
			reset = max(reset, untilMidnight(now))
		}
	}

	rateOK := true
	if st.backoff.After(now) {
		rateOK = false
		reset = max(reset, st.backoff.Sub(now))
	}
	if !st.window.Allow(now, count) {
		rateOK = false
		reset = max(reset, st.window.ResetAfter(now, count))
	}
	if !st.bucket.Allow(now, count) {
		rateOK = false
		reset = max(reset, st.bucket.WaitTime(now, count))
	}

	switch {
	case !breakerOK:
		decision.Reason = core.ReasonCircuitBreakerOpen
	case !dailyOK:
		decision.Reason = core.ReasonDailyLimitExceeded
	case !rateOK:
		decision.Reason = core.ReasonRateLimitExceeded
	default:
		return decision
	}
	decision.Allowed = false
	decision.ResetAfter = reset
	return decision
}

func (st *endpointState) snapshot(now time.Time) core.EndpointSnapshot {
	st.version++
	return core.EndpointSnapshot{
		Config:     st.config,
		Timestamps: st.window.Timestamps(now),
		Breaker:    st.breaker.Snapshot(),
		Backoff:    st.backoff,
		Version:    st.version,
		UpdatedAt:  now,
	}
}

func (st *endpointState) status(endpoint string, now time.Time) core.EndpointStatus {
	return core.EndpointStatus{
		Endpoint:        endpoint,
		MaxRequests:     st.config.MaxRequests,
		Window:          st.config.Window,
		Remaining:       st.window.Remaining(now),
		UsagePercent:    st.window.Usage(now),
		ResetAfter:      st.window.ResetAfter(now, 1),
		BucketTokens:    st.bucket.Available(now),
		BreakerState:    st.breaker.State(now),
		BreakerFailures: st.breaker.FailureCount(),
		Allowed:         st.allowed,
		Denied:          st.denied,
		Errors:          st.errors,
	}
}

func unconfiguredDecision(endpoint string, count int, daily *dailyView, now time.Time) core.Decision {
	decision := core.Decision{
		Endpoint:     endpoint,
		Allowed:      true,
		BreakerState: core.BreakerClosed,
	}
	if daily != nil {
		remaining := daily.remaining()
		decision.DailyRemaining = intPtr(remaining)
		if remaining < count {
			decision.Allowed = false
			decision.Reason = core.ReasonDailyLimitExceeded
			decision.ResetAfter = untilMidnight(now)
		}
	}
	return decision
}

func denyDaily(decision *core.Decision, now time.Time) {
	decision.Allowed = false
	decision.Reason = core.ReasonDailyLimitExceeded
	decision.ResetAfter = max(decision.ResetAfter, untilMidnight(now))
}

func dateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func untilMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

func intPtr(v int) *int {
	return &v
}
