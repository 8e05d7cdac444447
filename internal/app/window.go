package app

import (
	"context"
	"fmt"
	"time"

	"rebase-policy/internal/policy"
)

// WindowOptions configure the window command.
type WindowOptions struct {
	At *time.Time
	// LastRebase overrides the last rebase time; nil reads it from storage when configured.
	LastRebase *time.Time
}

// WindowReport describes the rebase schedule around one instant.
type WindowReport struct {
	At           time.Time
	InWindow     bool
	NextOpen     time.Time
	NextEligible time.Time
	LastRebase   time.Time
	Epoch        uint64
}

// Window prints whether a time falls inside a rebase window and when the
// next window opens.
func (a *App) Window(ctx context.Context, opts WindowOptions) (WindowReport, error) {
	at := time.Now().UTC()
	if opts.At != nil {
		at = opts.At.UTC()
	}

	var state policy.RuntimeState
	switch {
	case opts.LastRebase != nil:
		state.LastRebaseTimestampSec = policy.UnixSeconds(*opts.LastRebase)
	default:
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return WindowReport{}, err
		}
		if store != nil {
			defer closeStore()
			state, err = store.RuntimeState(ctx)
			if err != nil {
				return WindowReport{}, err
			}
		}
	}

	interval, offset, length := a.Config.Policy.TimingSeconds()
	schedule := policy.Schedule{IntervalSec: interval, OffsetSec: offset, LengthSec: length}
	now := policy.UnixSeconds(at)

	report := WindowReport{
		At:           at,
		InWindow:     schedule.Contains(now),
		NextOpen:     unixTime(schedule.NextOpen(now)),
		NextEligible: unixTime(schedule.NextEligible(now, state.LastRebaseTimestampSec)),
		Epoch:        state.Epoch,
	}
	if state.LastRebaseTimestampSec > 0 {
		report.LastRebase = unixTime(state.LastRebaseTimestampSec)
	}

	fmt.Fprintf(a.Out, "at:             %s\n", report.At.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "in window:      %t\n", report.InWindow)
	fmt.Fprintf(a.Out, "next open:      %s\n", report.NextOpen.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "next eligible:  %s\n", report.NextEligible.Format(time.RFC3339))
	if !report.LastRebase.IsZero() {
		fmt.Fprintf(a.Out, "last rebase:    %s (epoch %d)\n", report.LastRebase.Format(time.RFC3339), report.Epoch)
	}
	return report, nil
}

func unixTime(sec uint64) time.Time {
	if sec > uint64(1<<62) {
		sec = 1 << 62
	}
	return time.Unix(int64(sec), 0).UTC()
}
