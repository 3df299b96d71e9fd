// Package ratelimit enforces the per-account broker rate contract: sliding
// windows per operation category plus the daily order quota.
package ratelimit

import (
	"sync"
	"time"
)

// slidingWindow counts events in a trailing time window. When full it
// reports how long until the oldest event ages out, which becomes the
// Retry-After hint. A token bucket cannot answer that question, hence the
// explicit timestamp ring.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time // ordered oldest first
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		events: make([]time.Time, 0, limit),
	}
}

// tryAcquire records an event if the window has room. When it does not,
// it returns the wait until the oldest event leaves the window.
func (w *slidingWindow) tryAcquire(now time.Time) (ok bool, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)

	if len(w.events) >= w.limit {
		return false, w.events[0].Add(w.window).Sub(now)
	}

	w.events = append(w.events, now)
	return true, 0
}

// evict drops events older than the window.
func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// used returns the current occupancy, for metrics and headers.
func (w *slidingWindow) used(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return len(w.events)
}
