package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rebase-policy/internal/alerting"
	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/policy"
	"rebase-policy/internal/pricefeed"
	"rebase-policy/internal/scheduler"
	"rebase-policy/internal/storage"
)

// ErrPriceFeed wraps failures to obtain either price.
var ErrPriceFeed = errors.New("keeper: price feed unavailable")

// Rebaser is the policy surface the keeper drives.
type Rebaser interface {
	Rebase(ctx context.Context, caller policy.Principal, tradingPrice, targetPrice *big.Int) (policy.RebaseOutcome, error)
}

// RunRecorder receives keeper metrics.
type RunRecorder interface {
	ObserveRun(status, reason string, elapsed time.Duration)
	ObservePrices(trading, target *big.Int)
}

// Options wires the keeper's collaborators. Locker, Runs, Metrics and Notifier are optional.
type Options struct {
	Policy   Rebaser
	Caller   policy.Principal
	Trading  pricefeed.Source
	Target   pricefeed.Source
	Locker   storage.AdvisoryLocker
	LockKey  int64
	Runs     storage.RunStore
	Metrics  RunRecorder
	Notifier alerting.Notifier
}

// Result describes one keeper attempt.
type Result struct {
	RunID   string
	Status  string
	Reason  string
	Outcome policy.RebaseOutcome
	Err     error
}

// Keeper fetches prices each window and calls Rebase as the orchestrator.
type Keeper struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New validates options and constructs a keeper.
func New(opts Options, logger zerolog.Logger) (*Keeper, error) {
	if opts.Policy == nil {
		return nil, errors.New("keeper: policy is required")
	}
	if opts.Trading == nil || opts.Target == nil {
		return nil, errors.New("keeper: trading and target price sources are required")
	}
	if opts.Caller == (policy.Principal{}) {
		return nil, errors.New("keeper: caller principal is required")
	}
	return &Keeper{
		opts:   opts,
		logger: logger.With().Str("component", "keeper").Logger(),
		now:    time.Now,
	}, nil
}

// Run drives the keeper from sched until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, k.Tick)
}

// Tick adapts Execute to the scheduler.
func (k *Keeper) Tick(ctx context.Context, at time.Time) error {
	res := k.Execute(ctx, at)
	if res.Status == storage.RunApplied || res.Status == storage.RunSkipped {
		return nil
	}
	return res.Err
}

// Execute performs one rebase attempt under the advisory lock.
func (k *Keeper) Execute(ctx context.Context, at time.Time) Result {
	start := k.now()
	res := Result{RunID: uuid.NewString()}
	logger := k.logger.With().Str("run_id", res.RunID).Time("scheduled_at", at).Logger()

	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		res.Status, res.Reason, res.Err = storage.RunErrored, "lock", err
		k.finish(ctx, at, res, nil, nil, "", start, logger)
		return res
	}
	if !proceed {
		res.Status, res.Reason = storage.RunSkipped, "lock_held"
		logger.Debug().Msg("skip run because advisory lock held elsewhere")
		k.observe(res, start)
		return res
	}
	if unlock != nil {
		defer unlock()
	}

	trading, target, quality, err := k.fetchPrices(ctx)
	if err != nil {
		res.Status, res.Reason, res.Err = storage.RunErrored, "price_feed", err
		k.finish(ctx, at, res, nil, nil, "", start, logger)
		return res
	}
	if k.opts.Metrics != nil {
		k.opts.Metrics.ObservePrices(trading, target)
	}

	outcome, err := k.opts.Policy.Rebase(storage.WithRunID(ctx, res.RunID), k.opts.Caller, trading, target)
	if err != nil {
		res.Err = err
		res.Reason = Reason(err)
		res.Status = storage.RunErrored
		if isRejection(err) {
			res.Status = storage.RunRejected
		}
	} else {
		res.Status = storage.RunApplied
		res.Outcome = outcome
	}
	k.finish(ctx, at, res, trading, target, quality, start, logger)
	return res
}

func (k *Keeper) fetchPrices(ctx context.Context) (trading, target *big.Int, quality string, err error) {
	var tradingPrice, targetPrice pricefeed.Price
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := k.opts.Trading.FetchPrice(gctx)
		if err != nil {
			return fmt.Errorf("trading price: %w", err)
		}
		tradingPrice = p
		return nil
	})
	g.Go(func() error {
		p, err := k.opts.Target.FetchPrice(gctx)
		if err != nil {
			return fmt.Errorf("target price: %w", err)
		}
		targetPrice = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrPriceFeed, err)
	}

	if trading, err = tradingPrice.FixedPoint(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrPriceFeed, err)
	}
	if target, err = targetPrice.FixedPoint(); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrPriceFeed, err)
	}
	return trading, target, tradingPrice.Quality, nil
}

func (k *Keeper) finish(ctx context.Context, at time.Time, res Result, trading, target *big.Int, quality string, start time.Time, logger zerolog.Logger) {
	switch res.Status {
	case storage.RunApplied:
		logger.Info().
			Uint64("epoch", res.Outcome.Epoch).
			Str("supply_delta", res.Outcome.RequestedSupplyAdjustment.String()).
			Msg("rebase applied")
	case storage.RunRejected:
		logger.Warn().Err(res.Err).Str("reason", res.Reason).Msg("rebase rejected")
	default:
		logger.Error().Err(res.Err).Str("reason", res.Reason).Msg("rebase attempt failed")
	}

	if k.opts.Runs != nil {
		run := storage.KeeperRun{
			ID:           res.RunID,
			ScheduledAt:  at.UTC(),
			Status:       res.Status,
			TradingPrice: trading,
			TargetPrice:  target,
			PriceQuality: quality,
		}
		if res.Status == storage.RunApplied {
			epoch := res.Outcome.Epoch
			run.Epoch = &epoch
		}
		if res.Err != nil {
			msg := res.Err.Error()
			run.Error = &msg
		}
		if err := k.opts.Runs.InsertRun(ctx, run); err != nil {
			logger.Error().Err(err).Msg("failed to record keeper run")
		}
	}

	if res.Status == storage.RunErrored && k.opts.Notifier != nil {
		note := alerting.Notification{
			Kind:         alerting.KindFailure,
			At:           at.UTC(),
			TradingPrice: fixedpoint.ToDecimal(trading),
			TargetPrice:  fixedpoint.ToDecimal(target),
			Error:        res.Err.Error(),
		}
		if err := k.opts.Notifier.Notify(ctx, note); err != nil {
			logger.Error().Err(err).Msg("failed to dispatch failure notification")
		}
	}

	k.observe(res, start)
}

func (k *Keeper) observe(res Result, start time.Time) {
	if k.opts.Metrics != nil {
		k.opts.Metrics.ObserveRun(res.Status, res.Reason, k.now().Sub(start))
	}
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.opts.LockKey == 0 || k.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.opts.Locker.TryAdvisoryLock(ctx, k.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// isRejection reports policy refusals that are expected outside the happy path.
func isRejection(err error) bool {
	return errors.Is(err, policy.ErrRebaseTooSoon) ||
		errors.Is(err, policy.ErrOutsideRebaseWindow) ||
		errors.Is(err, policy.ErrUnauthorized)
}

// Reason maps an attempt error to a short metrics label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, policy.ErrRebaseTooSoon):
		return "too_soon"
	case errors.Is(err, policy.ErrOutsideRebaseWindow):
		return "outside_window"
	case errors.Is(err, policy.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, policy.ErrLedgerApplyFailed):
		return "ledger"
	case errors.Is(err, policy.ErrInvalidPrice), errors.Is(err, ErrPriceFeed):
		return "price_feed"
	case errors.Is(err, policy.ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, policy.ErrInvalidSupply):
		return "invalid_supply"
	default:
		return "other"
	}
}
