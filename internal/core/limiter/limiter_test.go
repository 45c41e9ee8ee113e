package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postpace/postpace/internal/core"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

func TestSlidingWindowCapacity(t *testing.T) {
	w := NewSlidingWindow(60*time.Second, 3)

	require.True(t, w.Record(at(0), 1))
	require.True(t, w.Record(at(1), 1))
	require.True(t, w.Record(at(2), 1))
	require.Equal(t, 0, w.Remaining(at(3)))
	require.False(t, w.Allow(at(3), 1))
	require.False(t, w.Record(at(3), 1))

	require.Equal(t, 57*time.Second, w.ResetAfter(at(3), 1))
	require.Equal(t, 59*time.Second, w.ResetAfter(at(3), 3))
	require.InDelta(t, 100.0, w.Usage(at(3)), 1e-9)

	// The first event expires exactly one window after it was recorded.
	require.Equal(t, 1, w.Remaining(at(60)))
	require.True(t, w.Allow(at(60.5), 1))
	require.True(t, w.Record(at(60.5), 1))
	require.Equal(t, 0, w.Remaining(at(60.5)))
}

func TestSlidingWindowRecordIsAllOrNothing(t *testing.T) {
	w := NewSlidingWindow(time.Minute, 3)
	require.True(t, w.Record(at(0), 2))
	require.False(t, w.Record(at(1), 2))
	require.Equal(t, 1, w.Remaining(at(1)))
	require.True(t, w.Record(at(1), 1))
	require.Len(t, w.Timestamps(at(1)), 3)
}

func TestSlidingWindowOversizedRequest(t *testing.T) {
	w := NewSlidingWindow(time.Minute, 2)
	require.False(t, w.Allow(at(0), 3))
	require.Equal(t, time.Minute, w.ResetAfter(at(0), 3))
}

func TestSlidingWindowClearAndRestore(t *testing.T) {
	w := NewSlidingWindow(time.Minute, 3)
	require.True(t, w.Record(at(0), 3))
	w.Clear()
	require.Equal(t, 3, w.Remaining(at(0)))

	restored := NewSlidingWindow(time.Minute, 3)
	restored.Restore(at(30), []time.Time{at(20), at(-40), at(10)})
	// at(-40) has already expired at t=30
	require.Equal(t, []time.Time{at(10), at(20)}, restored.Timestamps(at(30)))
	require.Equal(t, 1, restored.Remaining(at(30)))
}

func TestSlidingWindowOutOfOrderRecord(t *testing.T) {
	w := NewSlidingWindow(time.Minute, 5)
	require.True(t, w.Record(at(10), 1))
	require.True(t, w.Record(at(5), 1))
	require.Equal(t, []time.Time{at(5), at(10)}, w.Timestamps(at(10)))
	require.Equal(t, 55*time.Second, w.ResetAfter(at(10), 4))
}

func TestTokenBucket(t *testing.T) {
	b := NewTokenBucket(5, 1)
	require.Equal(t, 5, b.Available(at(0)))
	require.True(t, b.Allow(at(0), 5))
	require.Equal(t, 5, b.Available(at(0)), "Allow must not consume")

	require.True(t, b.Consume(at(0), 5))
	require.Equal(t, 0, b.Available(at(0)))
	require.False(t, b.Consume(at(0), 1))
	require.Equal(t, time.Second, b.WaitTime(at(0), 1))

	require.Equal(t, 2, b.Available(at(2)))
	require.Equal(t, time.Duration(0), b.WaitTime(at(2), 2))

	// refill is capped at capacity
	require.Equal(t, 5, b.Available(at(120)))
}

func TestTokenBucketOversized(t *testing.T) {
	b := NewTokenBucket(2, 0.5)
	require.False(t, b.Allow(at(0), 3))
	require.False(t, b.Consume(at(0), 3))
	require.Equal(t, time.Duration(0), b.WaitTime(at(0), 3))

	require.True(t, b.Consume(at(0), 2))
	require.Equal(t, 4*time.Second, b.WaitTime(at(0), 3))
}

func TestCircuitBreakerSequence(t *testing.T) {
	b := NewCircuitBreaker(2, 30*time.Second, 0)
	require.Equal(t, core.BreakerClosed, b.State(at(0)))

	b.RecordFailure(at(0))
	require.Equal(t, core.BreakerClosed, b.State(at(0)))
	b.RecordFailure(at(1))
	require.Equal(t, core.BreakerOpen, b.State(at(1)))

	require.False(t, b.Allow(at(10)))
	require.Equal(t, 21*time.Second, b.RetryAfter(at(10)))

	require.Equal(t, core.BreakerHalfOpen, b.State(at(32)))
	require.True(t, b.Allow(at(32)))
	b.Admit(at(32))
	require.False(t, b.Allow(at(32)), "only one trial call in half-open")

	b.RecordSuccess(at(33))
	require.Equal(t, core.BreakerClosed, b.State(at(33)))
	require.Equal(t, 0, b.FailureCount())
	require.True(t, b.Allow(at(33)))
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Second, 1)
	b.RecordFailure(at(0))
	require.Equal(t, core.BreakerOpen, b.State(at(5)))

	b.Admit(at(11))
	b.RecordFailure(at(12))
	require.Equal(t, core.BreakerOpen, b.State(at(12)))
	require.Equal(t, 10*time.Second, b.RetryAfter(at(12)))
	require.Equal(t, core.BreakerHalfOpen, b.State(at(22)))
}

func TestCircuitBreakerSuccessDecrements(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute, 1)
	b.RecordFailure(at(0))
	b.RecordFailure(at(1))
	require.Equal(t, 2, b.FailureCount())
	b.RecordSuccess(at(2))
	require.Equal(t, 1, b.FailureCount())
	b.RecordSuccess(at(3))
	b.RecordSuccess(at(4))
	require.Equal(t, 0, b.FailureCount())
}

func TestCircuitBreakerMultipleTrials(t *testing.T) {
	b := NewCircuitBreaker(1, time.Second, 2)
	b.RecordFailure(at(0))

	b.Admit(at(2))
	b.Admit(at(2))
	require.False(t, b.Allow(at(2)))

	b.RecordSuccess(at(3))
	require.Equal(t, core.BreakerHalfOpen, b.State(at(3)))
	b.RecordSuccess(at(3))
	require.Equal(t, core.BreakerClosed, b.State(at(3)))
}

func TestCircuitBreakerSnapshotRestore(t *testing.T) {
	b := NewCircuitBreaker(2, 30*time.Second, 1)
	b.RecordFailure(at(0))
	b.RecordFailure(at(1))

	snap := b.Snapshot()
	require.Equal(t, core.BreakerOpen, snap.State)
	require.Equal(t, 2, snap.FailureCount)

	restored := NewCircuitBreaker(2, 30*time.Second, 1)
	restored.Restore(snap)
	require.False(t, restored.Allow(at(5)))
	require.True(t, restored.Allow(at(31)))

	restored.Reset()
	require.Equal(t, core.BreakerClosed, restored.State(at(5)))
}

func TestCircuitBreakerAbandon(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Second, 1)
	b.RecordFailure(at(0))

	b.Admit(at(11))
	require.False(t, b.Allow(at(11)))

	b.Abandon(at(12))
	require.Equal(t, core.BreakerHalfOpen, b.State(at(12)))
	require.True(t, b.Allow(at(12)))
	require.Equal(t, 1, b.FailureCount())

	closed := NewCircuitBreaker(3, 10*time.Second, 1)
	closed.RecordFailure(at(0))
	closed.Abandon(at(1))
	require.Equal(t, core.BreakerClosed, closed.State(at(1)))
	require.Equal(t, 1, closed.FailureCount())
}
