package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"rebase-policy/internal/policy"
)

func TestRunTicksUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planner := PlannerFunc(func(now time.Time) time.Time { return now.Add(5 * time.Millisecond) })
	sched := New(planner, Options{MinGap: 5 * time.Millisecond}, zerolog.Nop())

	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context, at time.Time) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunOnStartAndStartupDelayCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	planner := PlannerFunc(func(now time.Time) time.Time { return now.Add(time.Hour) })

	var ticks atomic.Int32
	sched := New(planner, Options{RunOnStart: true}, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context, at time.Time) error {
			ticks.Add(1)
			cancel()
			return nil
		})
	}()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() != 1 {
		t.Fatalf("expected the start-up tick only, got %d", ticks.Load())
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	delayed := New(planner, Options{StartupDelay: time.Hour}, zerolog.Nop())
	if err := delayed.Run(ctx2, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation during start-up delay, got %v", err)
	}
}

func TestNextHonoursMinGap(t *testing.T) {
	base := time.Unix(1_000_000, 0).UTC()
	planner := PlannerFunc(func(now time.Time) time.Time { return now })
	sched := New(planner, Options{MinGap: time.Minute}, zerolog.Nop())
	sched.now = func() time.Time { return base }

	if got := sched.next(time.Time{}); !got.Equal(base) {
		t.Fatalf("first run should be immediate, got %s", got)
	}
	if got := sched.next(base); !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("second run should wait MinGap, got %s", got)
	}
}

type windowSource struct {
	params   policy.Params
	eligible uint64
}

func (w windowSource) Params() policy.Params { return w.params }

func (w windowSource) NextRebaseWindow(now uint64) uint64 { return w.eligible }

func TestWindowPlanner(t *testing.T) {
	params := policy.DefaultParams(common.HexToAddress("0x1"))
	const day = uint64(20000 * 86400)
	open := day + 72000

	cases := []struct {
		name     string
		eligible uint64
		delay    time.Duration
		want     uint64
	}{
		{name: "delay after open", eligible: open, delay: 30 * time.Second, want: open + 30},
		{name: "eligible later than delay", eligible: open + 100, delay: 30 * time.Second, want: open + 100},
		{name: "delay beyond window ignored", eligible: open, delay: time.Hour, want: open},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			planner := WindowPlanner{Source: windowSource{params: params, eligible: tc.eligible}, Delay: tc.delay}
			got := planner.NextRun(time.Unix(int64(day), 0))
			if got.Unix() != int64(tc.want) {
				t.Fatalf("expected %d, got %d", tc.want, got.Unix())
			}
		})
	}
}

func TestWindowPlannerNeverEligible(t *testing.T) {
	params := policy.DefaultParams(common.HexToAddress("0x1"))
	now := time.Unix(1_000, 0)
	planner := WindowPlanner{Source: windowSource{params: params, eligible: ^uint64(0)}}
	if got := planner.NextRun(now); !got.Equal(now.Add(farFuture)) {
		t.Fatalf("expected far future fallback, got %s", got)
	}
}
