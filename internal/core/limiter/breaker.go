package limiter

import (
	"time"

	"github.com/postpace/postpace/internal/core"
)

// CircuitBreaker stops traffic to an endpoint after repeated failures.
//
// OPEN is promoted to HALF_OPEN lazily, the first time the breaker is touched
// after RecoveryTimeout has elapsed since the last failure.
type CircuitBreaker struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int

	state         core.BreakerState
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
}

// NewCircuitBreaker returns a closed breaker. halfOpenMaxCalls below 1 means 1.
func NewCircuitBreaker(threshold int, recovery time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if halfOpenMaxCalls < 1 {
		halfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: halfOpenMaxCalls,
		state:            core.BreakerClosed,
	}
}

// State returns the effective state at now without mutating the breaker.
func (b *CircuitBreaker) State(now time.Time) core.BreakerState {
	if b.state == core.BreakerOpen && b.recovered(now) {
		return core.BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed at now. It does not mutate the breaker.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	switch b.State(now) {
	case core.BreakerClosed:
		return true
	case core.BreakerHalfOpen:
		if b.state == core.BreakerOpen {
			// pending promotion resets the trial count
			return true
		}
		return b.halfOpenCalls < b.HalfOpenMaxCalls
	default:
		return false
	}
}

// Admit commits a call allowed by Allow, counting half-open trials.
func (b *CircuitBreaker) Admit(now time.Time) {
	b.promote(now)
	if b.state == core.BreakerHalfOpen {
		b.halfOpenCalls++
	}
}

// RecordSuccess feeds a successful call into the breaker.
func (b *CircuitBreaker) RecordSuccess(now time.Time) {
	b.promote(now)
	switch b.state {
	case core.BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.HalfOpenMaxCalls {
			b.close()
		}
	case core.BreakerClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// RecordFailure feeds a failed call into the breaker.
func (b *CircuitBreaker) RecordFailure(now time.Time) {
	b.promote(now)
	b.lastFailure = now
	switch b.state {
	case core.BreakerHalfOpen:
		b.open()
	case core.BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.FailureThreshold {
			b.open()
		}
	case core.BreakerOpen:
		b.failureCount++
	}
}

// Abandon returns the half-open trial slot of a call that ended without an
// outcome from the endpoint.
func (b *CircuitBreaker) Abandon(now time.Time) {
	b.promote(now)
	if b.state == core.BreakerHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// RetryAfter returns the time left until an open breaker admits a trial call.
func (b *CircuitBreaker) RetryAfter(now time.Time) time.Duration {
	if b.state != core.BreakerOpen || b.recovered(now) {
		return 0
	}
	return b.lastFailure.Add(b.RecoveryTimeout).Sub(now)
}

// FailureCount returns the consecutive failure count.
func (b *CircuitBreaker) FailureCount() int {
	return b.failureCount
}

// Reset closes the breaker and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.close()
	b.lastFailure = time.Time{}
}

// Snapshot captures the breaker for persistence.
func (b *CircuitBreaker) Snapshot() core.BreakerSnapshot {
	return core.BreakerSnapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		HalfOpenCalls: b.halfOpenCalls,
		LastFailure:   b.lastFailure,
	}
}

// Restore loads a persisted snapshot.
func (b *CircuitBreaker) Restore(snap core.BreakerSnapshot) {
	switch snap.State {
	case core.BreakerOpen, core.BreakerHalfOpen:
		b.state = snap.State
	default:
		b.state = core.BreakerClosed
	}
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.halfOpenCalls = snap.HalfOpenCalls
	b.lastFailure = snap.LastFailure
}

func (b *CircuitBreaker) recovered(now time.Time) bool {
	return !now.Before(b.lastFailure.Add(b.RecoveryTimeout))
}

func (b *CircuitBreaker) promote(now time.Time) {
	if b.state == core.BreakerOpen && b.recovered(now) {
		b.state = core.BreakerHalfOpen
		b.halfOpenCalls = 0
		b.successCount = 0
	}
}

func (b *CircuitBreaker) open() {
	b.state = core.BreakerOpen
	b.halfOpenCalls = 0
	b.successCount = 0
}

func (b *CircuitBreaker) close() {
	b.state = core.BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
}
