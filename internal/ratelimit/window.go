// Package ratelimit implements the fixed-window dispatch throttle.
//
// The window is fixed, not sliding: the count only resets once the limit has
// been reached, so Limit sends at the end of one window followed by Limit
// sends right after the reset is an accepted burst.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 5
	DefaultPeriod = time.Minute
)

// Window tracks dispatches within one fixed period.
// It is safe for concurrent use, although a session only ever has one caller.
type Window struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	count  int
	start  time.Time
}

// NewWindow returns a window whose period starts at now.
// A non-positive limit or period falls back to the defaults.
func NewWindow(limit int, period time.Duration, now time.Time) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Window{limit: limit, period: period, start: now}
}

// Acquire takes one slot and returns how long the caller must sleep before
// proceeding.
//
// Below the limit it increments and returns zero. At the limit it computes the
// remainder of the current period; the window then restarts at the moment the
// caller is allowed to proceed (now + wait) with a count of one.
func (w *Window) Acquire(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count < w.limit {
		w.count++
		return 0
	}

	var wait time.Duration
	if elapsed := now.Sub(w.start); elapsed < w.period {
		wait = w.period - elapsed
	}
	w.count = 1
	w.start = now.Add(wait)
	return wait
}

// Snapshot returns the current count and window start.
func (w *Window) Snapshot() (count int, start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count, w.start
}

// Limit returns the configured slots per period.
func (w *Window) Limit() int { return w.limit }

// Period returns the window length.
func (w *Window) Period() time.Duration { return w.period }
