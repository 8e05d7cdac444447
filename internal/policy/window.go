package policy

import (
	"math"
	"time"
)

// Schedule is the recurring rebase window: a window of LengthSec opens OffsetSec
// into every IntervalSec period, counted from the Unix epoch.
type Schedule struct {
	IntervalSec uint64
	OffsetSec   uint64
	LengthSec   uint64
}

// Schedule extracts the timing parameters.
func (p Params) Schedule() Schedule {
	return Schedule{
		IntervalSec: p.MinRebaseIntervalSec,
		OffsetSec:   p.RebaseWindowOffsetSec,
		LengthSec:   p.RebaseWindowLengthSec,
	}
}

// WindowOpen returns the most recent window open boundary at or before now.
// ok is false when no window has opened yet, i.e. now precedes the first boundary.
func (s Schedule) WindowOpen(now uint64) (open uint64, ok bool) {
	if s.IntervalSec == 0 {
		return 0, false
	}
	phase := now % s.IntervalSec
	base := now - phase
	if phase >= s.OffsetSec {
		return base + s.OffsetSec, true
	}
	if base < s.IntervalSec {
		return 0, false
	}
	return base - s.IntervalSec + s.OffsetSec, true
}

// Contains reports whether now falls inside an open window.
func (s Schedule) Contains(now uint64) bool {
	open, ok := s.WindowOpen(now)
	return ok && now-open < s.LengthSec
}

// NextOpen returns the first window open boundary at or after now, saturating at MaxUint64.
func (s Schedule) NextOpen(now uint64) uint64 {
	if s.IntervalSec == 0 {
		return math.MaxUint64
	}
	phase := now % s.IntervalSec
	base := now - phase
	if phase <= s.OffsetSec {
		return saturatingAdd(base, s.OffsetSec)
	}
	return saturatingAdd(saturatingAdd(base, s.IntervalSec), s.OffsetSec)
}

// Admit runs the cooldown and window checks for a rebase at now and returns the
// window-anchored timestamp to record.
func (s Schedule) Admit(now, lastRebaseSec uint64) (uint64, error) {
	if now < lastRebaseSec || now-lastRebaseSec < s.IntervalSec {
		return 0, ErrRebaseTooSoon
	}
	open, ok := s.WindowOpen(now)
	if !ok || now-open >= s.LengthSec {
		return 0, ErrOutsideRebaseWindow
	}
	return open, nil
}

// NextEligible returns the earliest time at or after now at which a rebase
// following one anchored at lastRebaseSec can be admitted.
func (s Schedule) NextEligible(now, lastRebaseSec uint64) uint64 {
	from := now
	if cooldown := saturatingAdd(lastRebaseSec, s.IntervalSec); cooldown > from {
		from = cooldown
	}
	if s.Contains(from) {
		return from
	}
	return s.NextOpen(from)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// UnixSeconds converts a clock reading to the unsigned seconds used by the scheduler.
func UnixSeconds(t time.Time) uint64 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}
