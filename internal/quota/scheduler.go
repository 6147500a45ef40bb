package quota

import (
	"fmt"
	"time"

	climatebridge "climate_bridge"
)

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerHour = 60 * 60

	// DefaultMinFloor is the safety floor for the adaptive interval.
	DefaultMinFloor = 15 * time.Second

	// fallbackInterval is returned whenever the computation degenerates
	// (no budget, no normal seconds left, division by zero).
	fallbackInterval = time.Hour
)

// ReducedWindow is a daily time range polled at its own fixed, usually
// larger, interval (e.g. overnight). The budget saved inside the window is
// reinvested into the normal hours.
type ReducedWindow struct {
	StartMinute int // minutes from midnight, local to the scheduler's zone
	EndMinute   int // exclusive; may be smaller than StartMinute (wraps midnight)
	Interval    time.Duration
}

// ParseReducedWindow builds a window from "HH:MM" bounds. A nil window means
// no reduced hours are configured.
func ParseReducedWindow(start, end string, interval time.Duration) (*ReducedWindow, error) {
	if interval <= 0 {
		return nil, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("reduced window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("reduced window end: %w", err)
	}
	return &ReducedWindow{StartMinute: s, EndMinute: e, Interval: interval}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the window, handling ranges that
// wrap midnight.
func (w *ReducedWindow) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	return minute >= w.StartMinute || minute < w.EndMinute
}

// Scheduler computes the adaptive fast-track polling interval. It is a pure
// function of the clock and the tracker state: savings from hours already
// passed and from the reduced window are reinvested into the remaining
// normal hours of the quota day.
type Scheduler struct {
	Location     *time.Location
	ResetHour    int
	ResetMinute  int
	QuotaPercent int // share of the free budget allocated to auto-polling
	MinFloor     time.Duration
	Reduced      *ReducedWindow
}

// NewScheduler builds a scheduler for a quota that resets daily at
// hour:minute wall-clock time in the named zone.
func NewScheduler(tz string, resetHour, resetMinute, quotaPercent int, minFloor time.Duration, reduced *ReducedWindow) (*Scheduler, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if minFloor <= 0 {
		minFloor = DefaultMinFloor
	}
	return &Scheduler{
		Location:     loc,
		ResetHour:    resetHour,
		ResetMinute:  resetMinute,
		QuotaPercent: quotaPercent,
		MinFloor:     minFloor,
		Reduced:      reduced,
	}, nil
}

// NextReset returns the next daily quota reset instant after now.
func (s *Scheduler) NextReset(now time.Time) time.Time {
	local := now.In(s.Location)
	reset := time.Date(local.Year(), local.Month(), local.Day(), s.ResetHour, s.ResetMinute, 0, 0, s.Location)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// remainingBudget computes how many calls the auto-poller may still spend
// before the next reset.
func (s *Scheduler) remainingBudget(now time.Time, rl climatebridge.RateLimit, threshold, reserved24h int) float64 {
	untilReset := s.NextReset(now).Sub(now).Seconds()
	progressDone := (secondsPerDay - untilReset) / secondsPerDay
	progressLeft := untilReset / secondsPerDay

	expectedBackground := float64(reserved24h) * progressDone
	actualUsed := max(0, float64(rl.Limit-rl.Remaining))
	userCalls := max(0, actualUsed-expectedBackground)

	// Calls beyond the reserved safety margin are charged against the pool.
	userExcess := max(0, userCalls-float64(threshold))

	available := max(0, float64(rl.Limit-reserved24h)-userExcess)
	budget := available * float64(s.QuotaPercent) / 100.0
	return max(0, budget*progressLeft)
}

// Interval returns the adaptive polling interval given the current tracker
// state, the measured per-poll cost and the estimated 24h background cost.
func (s *Scheduler) Interval(now time.Time, rl climatebridge.RateLimit, threshold, reserved24h int, pollCost float64) time.Duration {
	if rl.Limit <= 0 || pollCost <= 0 {
		return fallbackInterval
	}
	budget := s.remainingBudget(now, rl, threshold, reserved24h)

	normalSecs, reducedSecs := s.splitUntilReset(now)

	intervalCap := fallbackInterval
	reducedCost := 0.0
	if s.Reduced != nil && s.Reduced.Interval > 0 {
		intervalCap = s.Reduced.Interval
		reducedPolls := reducedSecs / s.Reduced.Interval.Seconds()
		reducedCost = reducedPolls * pollCost
	}

	// The reduced window runs at its own fixed interval; whatever is left
	// funds the normal hours.
	normalBudget := max(0, budget-reducedCost)
	if normalBudget <= 0 || normalSecs <= 0 {
		return fallbackInterval
	}

	affordablePolls := normalBudget / pollCost
	if affordablePolls <= 0 {
		return fallbackInterval
	}

	adaptive := time.Duration(normalSecs/affordablePolls) * time.Second
	if adaptive < s.MinFloor {
		return s.MinFloor
	}
	if adaptive > intervalCap {
		return intervalCap
	}
	return adaptive
}

// splitUntilReset walks forward in bounded chunks and classifies each chunk
// as normal or reduced-window seconds.
func (s *Scheduler) splitUntilReset(now time.Time) (normal, reduced float64) {
	reset := s.NextReset(now)
	cursor := now.In(s.Location)
	for cursor.Before(reset) {
		left := int(reset.Sub(cursor).Seconds())
		chunk := min(secondsPerHour, left)
		if chunk < int(s.MinFloor.Seconds()) {
			chunk = int(s.MinFloor.Seconds())
		}
		if s.Reduced != nil && s.Reduced.Contains(cursor) {
			reduced += float64(chunk)
		} else {
			normal += float64(chunk)
		}
		cursor = cursor.Add(time.Duration(chunk) * time.Second)
	}
	return normal, reduced
}
