package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked at every planned run time.
type TickFunc func(ctx context.Context, at time.Time) error

// Planner decides when the next run should happen.
type Planner interface {
	NextRun(now time.Time) time.Time
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(now time.Time) time.Time

// NextRun implements Planner.
func (f PlannerFunc) NextRun(now time.Time) time.Time { return f(now) }

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
	// MinGap is the shortest time between two consecutive ticks.
	MinGap     time.Duration
	RunOnStart bool
}

// Scheduler drives planned execution of keeper jobs.
type Scheduler struct {
	opts    Options
	planner Planner
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Scheduler instance.
func New(planner Planner, opts Options, logger zerolog.Logger) *Scheduler {
	if planner == nil {
		panic("scheduler planner must not be nil")
	}
	if opts.MinGap <= 0 {
		opts.MinGap = time.Minute
	}
	return &Scheduler{
		opts:    opts,
		planner: planner,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Run blocks, invoking the tick function at each planned time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	var last time.Time
	if s.opts.RunOnStart {
		last = s.now().UTC()
		s.fire(ctx, tick, last)
	}

	for {
		next := s.next(last)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		if err := sleep(ctx, time.Until(next)); err != nil {
			return err
		}

		last = next
		s.fire(ctx, tick, next)
	}
}

func (s *Scheduler) next(last time.Time) time.Time {
	now := s.now().UTC()
	next := s.planner.NextRun(now).UTC()
	if !last.IsZero() {
		if earliest := last.Add(s.opts.MinGap); next.Before(earliest) {
			next = earliest
		}
	}
	if next.Before(now) {
		next = now
	}
	return next
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Info().Time("at", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
