package scheduler

import (
	"math"
	"time"

	"rebase-policy/internal/policy"
)

// farFuture caps plans when no window will ever admit a rebase.
const farFuture = 24 * time.Hour

// WindowSource exposes the policy timing the planner follows.
type WindowSource interface {
	Params() policy.Params
	NextRebaseWindow(now uint64) uint64
}

// WindowPlanner wakes Delay after each rebase window opens, or immediately if the
// policy is already eligible later than that inside the window.
type WindowPlanner struct {
	Source WindowSource
	Delay  time.Duration
}

// NextRun implements Planner.
func (w WindowPlanner) NextRun(now time.Time) time.Time {
	eligible := w.Source.NextRebaseWindow(policy.UnixSeconds(now))
	if eligible == math.MaxUint64 || eligible > math.MaxInt64 {
		return now.Add(farFuture)
	}

	schedule := w.Source.Params().Schedule()
	open, ok := schedule.WindowOpen(eligible)
	if !ok {
		return time.Unix(int64(eligible), 0).UTC()
	}

	delay := uint64(w.Delay / time.Second)
	if delay >= schedule.LengthSec {
		delay = 0
	}
	target := open + delay
	if target < eligible {
		target = eligible
	}
	return time.Unix(int64(target), 0).UTC()
}
