// Package limiter provides the per-endpoint guards evaluated by the governor:
// an exact sliding window, a token bucket and a circuit breaker.
//
// Guards hold no locks and never read the wall clock; callers pass the
// evaluation time and serialize access per endpoint.
package limiter

import (
	"slices"
	"time"
)

// SlidingWindow admits at most Max events in any trailing Window.
type SlidingWindow struct {
	Window time.Duration
	Max    int

	// granted timestamps, ascending
	events []time.Time
}

// NewSlidingWindow returns an empty window.
func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{Window: window, Max: max}
}

// Remaining returns how many events can still be recorded at now.
func (w *SlidingWindow) Remaining(now time.Time) int {
	remaining := w.Max - len(w.live(now))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Allow reports whether n events fit at now.
func (w *SlidingWindow) Allow(now time.Time, n int) bool {
	return n <= w.Remaining(now)
}

// Record appends n events at now if they fit. It reports whether they were recorded.
func (w *SlidingWindow) Record(now time.Time, n int) bool {
	w.prune(now)
	if n <= 0 {
		return true
	}
	if len(w.events)+n > w.Max {
		return false
	}
	idx, _ := slices.BinarySearchFunc(w.events, now, compareTime)
	// Insert after any equal timestamps so order stays stable.
	for idx < len(w.events) && w.events[idx].Equal(now) {
		idx++
	}
	batch := make([]time.Time, n)
	for i := range batch {
		batch[i] = now
	}
	w.events = slices.Insert(w.events, idx, batch...)
	return true
}

// ResetAfter returns the time until n slots are free. Zero means they are free now.
// A request larger than Max can never fit and reports a full window.
func (w *SlidingWindow) ResetAfter(now time.Time, n int) time.Duration {
	if n > w.Max {
		return w.Window
	}
	live := w.live(now)
	need := len(live) + n - w.Max
	if need <= 0 {
		return 0
	}
	wait := live[need-1].Add(w.Window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Usage returns the share of the window in use, as a percentage.
func (w *SlidingWindow) Usage(now time.Time) float64 {
	if w.Max <= 0 {
		return 0
	}
	return float64(len(w.live(now))) / float64(w.Max) * 100
}

// Clear forgets all recorded events.
func (w *SlidingWindow) Clear() {
	w.events = nil
}

// Timestamps returns a copy of the live events at now.
func (w *SlidingWindow) Timestamps(now time.Time) []time.Time {
	return slices.Clone(w.live(now))
}

// Restore replaces recorded events with previously persisted ones.
func (w *SlidingWindow) Restore(now time.Time, events []time.Time) {
	w.events = slices.Clone(events)
	slices.SortFunc(w.events, compareTime)
	w.prune(now)
	if w.Max > 0 && len(w.events) > w.Max {
		w.events = w.events[len(w.events)-w.Max:]
	}
}

// live returns the events still inside the window. An event at t expires at t+Window.
func (w *SlidingWindow) live(now time.Time) []time.Time {
	cutoff := now.Add(-w.Window)
	idx, found := slices.BinarySearchFunc(w.events, cutoff, compareTime)
	for found && idx < len(w.events) && !w.events[idx].After(cutoff) {
		idx++
	}
	return w.events[idx:]
}

func (w *SlidingWindow) prune(now time.Time) {
	live := w.live(now)
	if len(live) == len(w.events) {
		return
	}
	w.events = slices.Clone(live)
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}
