package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rebase-policy/internal/alerting"
	"rebase-policy/internal/api"
	"rebase-policy/internal/events"
	"rebase-policy/internal/keeper"
	"rebase-policy/internal/metrics"
	"rebase-policy/internal/policy"
	"rebase-policy/internal/scheduler"
	"rebase-policy/internal/version"
)

// Run executes the keeper and the query API until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	caller := a.keeperCaller()
	if caller == (policy.Principal{}) {
		return errors.New("policy.orchestrator or keeper.caller must be configured to run the keeper")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var state policy.RuntimeState
	var observers []policy.Observer
	if store != nil {
		if state, err = store.RuntimeState(ctx); err != nil {
			return fmt.Errorf("recover runtime state: %w", err)
		}
		observers = append(observers, store)
		a.Logger.Info().Uint64("epoch", state.Epoch).Uint64("last_rebase_sec", state.LastRebaseTimestampSec).Msg("runtime state recovered")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry, int(a.Config.Keeper.TokenDecimals))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	observers = append(observers, recorder)

	notifier := a.newNotifier()
	if notifier != nil {
		observers = append(observers, alerting.NewObserver(notifier, alerting.ObserverOptions{
			OnlyNonZero:    a.Config.Alerting.OnlyNonZero,
			Channels:       a.Config.Alerting.Channels,
			SupplyDecimals: a.Config.Keeper.TokenDecimals,
		}, a.Logger))
	}

	if a.Config.Events.Enabled {
		publisher, err := events.NewPublisher(events.Options{
			Brokers:      a.Config.Events.Brokers,
			Topic:        a.Config.Events.Topic,
			Compression:  a.Config.Events.Compression,
			WriteTimeout: a.Config.Events.WriteTimeout,
		}, a.Logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close event publisher")
			}
		}()
		observers = append(observers, publisher)
	}

	l, err := a.newLedger()
	if err != nil {
		return err
	}
	p, err := a.newPolicy(l, a.orchestrator(), policy.WithRuntimeState(state), policy.WithObserver(observers...))
	if err != nil {
		return err
	}

	trading, target, err := a.newSources()
	if err != nil {
		return err
	}

	opts := keeper.Options{
		Policy:   p,
		Caller:   caller,
		Trading:  trading,
		Target:   target,
		Metrics:  recorder,
		LockKey:  a.Config.Scheduler.AdvisoryLockKey,
		Notifier: notifier,
	}
	var outcomes api.OutcomeLister
	if store != nil {
		opts.Locker = store
		opts.Runs = store
		outcomes = store
	}
	k, err := keeper.New(opts, a.Logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.WindowPlanner{Source: p, Delay: a.Config.Scheduler.WindowDelay}, scheduler.Options{
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("caller", caller.Hex()).Str("version", version.String()).Msg("starting keeper")
		err := k.Run(gctx, sched)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if a.Config.HTTP.Enabled {
		srv := api.NewServer(api.NewHandler(p, outcomes, a.Logger), api.ServerOptions{
			Addr:            a.Config.HTTP.Addr,
			ReadTimeout:     a.Config.HTTP.ReadTimeout,
			WriteTimeout:    a.Config.HTTP.WriteTimeout,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
			Gatherer:        registry,
		}, a.Logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebase keeper stopped")
	return nil
}
