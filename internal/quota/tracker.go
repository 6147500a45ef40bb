package quota

import (
	"sync"

	climatebridge "climate_bridge"
)

// Tracking defaults. The initial guess is pessimistic on purpose: until the
// first response exposes real headers we assume little budget is left.
const (
	InitialRemainingGuess = 100
	costSmoothingAlpha    = 0.3
	initialPollCost       = 2.0
	minPollCost           = 1.0
)

// Tracker keeps the local estimate of the upstream daily call quota. It does
// no I/O: observed response headers are fed in, blind spends are decremented,
// and the derived status comes out.
type Tracker struct {
	mu        sync.Mutex
	limit     int
	remaining int
	threshold int
	pollCost  float64
}

// NewTracker builds a tracker with the pessimistic startup guess.
// threshold == 0 disables throttling entirely.
func NewTracker(threshold int) *Tracker {
	return &Tracker{
		remaining: InitialRemainingGuess,
		threshold: threshold,
		pollCost:  initialPollCost,
	}
}

// Decrement reduces the remaining estimate by n, floored at zero. Used when
// operating blind (throttled mode) without a fresh header reading.
func (t *Tracker) Decrement(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining -= n
	if t.remaining < 0 {
		t.remaining = 0
	}
}

// SyncFromObserved overwrites the local estimate with a server-reported
// value. Called opportunistically whenever any response exposes the headers,
// independent of which component triggered the call.
func (t *Tracker) SyncFromObserved(rl climatebridge.RateLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = rl.Remaining
	t.limit = rl.Limit
}

// Seed primes the tracker from a persisted snapshot, replacing the blind
// startup guess. A no-op for zero snapshots.
func (t *Tracker) Seed(rl climatebridge.RateLimit) {
	if rl.Limit <= 0 {
		return
	}
	t.SyncFromObserved(rl)
}

// RateLimit returns the current (limit, remaining) estimate.
func (t *Tracker) RateLimit() climatebridge.RateLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return climatebridge.RateLimit{Limit: t.limit, Remaining: t.remaining}
}

// Threshold returns the configured throttle threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// IsThrottled reports whether the remaining estimate has dropped below the
// safety threshold. A zero threshold disables throttling.
func (t *Tracker) IsThrottled() bool {
	if t.threshold == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining < t.threshold
}

// Status derives the connection status string. Exhaustion overrides
// throttling.
func (t *Tracker) Status() string {
	t.mu.Lock()
	remaining := t.remaining
	t.mu.Unlock()

	if remaining <= 0 {
		return climatebridge.StatusRateLimited
	}
	if t.threshold != 0 && remaining < t.threshold {
		return climatebridge.StatusThrottled
	}
	return climatebridge.StatusConnected
}

// ObservePollCost folds the measured cost of one fast-track cycle into the
// smoothed estimate. A fast cycle can issue more than one underlying call, so
// the cost is learned, not assumed.
func (t *Tracker) ObservePollCost(cost float64) {
	if cost <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollCost = t.pollCost*(1-costSmoothingAlpha) + cost*costSmoothingAlpha
}

// PollCost returns the smoothed per-cycle cost estimate, floored at one call.
func (t *Tracker) PollCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pollCost < minPollCost {
		return minPollCost
	}
	return t.pollCost
}
