package policy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Ledger is the token that owns balances and applies supply adjustments.
type Ledger interface {
	CurrentTotalSupply(ctx context.Context) (*big.Int, error)
	ApplyRebase(ctx context.Context, epoch uint64, delta *big.Int) error
}

// Observer is notified after a rebase has been committed.
type Observer interface {
	RebaseApplied(ctx context.Context, outcome RebaseOutcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, outcome RebaseOutcome)

// RebaseApplied calls f.
func (f ObserverFunc) RebaseApplied(ctx context.Context, outcome RebaseOutcome) {
	f(ctx, outcome)
}

// RuntimeState is the part of the policy advanced only by Rebase.
type RuntimeState struct {
	Epoch                  uint64
	LastRebaseTimestampSec uint64
}

// RebaseOutcome records one successful rebase.
type RebaseOutcome struct {
	Epoch                     uint64
	TradingPrice              *big.Int
	TargetPrice               *big.Int
	RequestedSupplyAdjustment *big.Int
	TimestampSec              uint64
	// TotalSupply is the ledger supply read before the adjustment was applied.
	TotalSupply *big.Int
}

// Clone returns a deep copy.
func (o RebaseOutcome) Clone() RebaseOutcome {
	o.TradingPrice = copyBig(o.TradingPrice)
	o.TargetPrice = copyBig(o.TargetPrice)
	o.RequestedSupplyAdjustment = copyBig(o.RequestedSupplyAdjustment)
	o.TotalSupply = copyBig(o.TotalSupply)
	return o
}

// Option customises a Policy at construction.
type Option func(*Policy)

// WithClock replaces the wall clock, mainly for tests and replays.
func WithClock(clock func() time.Time) Option {
	return func(p *Policy) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithObserver registers observers notified after every committed rebase.
func WithObserver(observers ...Observer) Option {
	return func(p *Policy) {
		for _, obs := range observers {
			if obs != nil {
				p.observers = append(p.observers, obs)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger.With().Str("component", "policy").Logger()
	}
}

// WithRuntimeState resumes from a previously persisted epoch and timestamp.
func WithRuntimeState(state RuntimeState) Option {
	return func(p *Policy) {
		p.state = state
	}
}

// Policy is the rebase policy engine. All methods are safe for concurrent use;
// calls are serialised so each rebase observes and commits state atomically.
type Policy struct {
	// mu serialises Rebase and the setters. Writers also take stateMu, so
	// queries only wait for the in-memory commit, never for the ledger.
	mu        sync.Mutex
	stateMu   sync.RWMutex
	params    Params
	state     RuntimeState
	ledger    Ledger
	clock     func() time.Time
	observers []Observer
	logger    zerolog.Logger
}

// New initialises a policy owned by owner with default parameters and epoch 0.
func New(owner Principal, ledger Ledger, opts ...Option) (*Policy, error) {
	if owner == (common.Address{}) {
		return nil, errors.New("policy: owner is required")
	}
	if ledger == nil {
		return nil, errors.New("policy: ledger is required")
	}

	p := &Policy{
		params: DefaultParams(owner),
		ledger: ledger,
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetOrchestrator replaces the principal allowed to call Rebase.
func (p *Policy) SetOrchestrator(caller, orchestrator Principal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if err := authorize(&p.params, RoleOwner, caller); err != nil {
		return err
	}
	p.params.Orchestrator = orchestrator
	p.logger.Info().Str("orchestrator", orchestrator.Hex()).Msg("orchestrator updated")
	return nil
}

// SetDeviationThreshold replaces the deviation threshold (18 decimals).
func (p *Policy) SetDeviationThreshold(caller Principal, threshold *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if err := authorize(&p.params, RoleOwner, caller); err != nil {
		return err
	}
	if threshold == nil || threshold.Sign() < 0 {
		return ErrInvalidDeviationThreshold
	}
	p.params.DeviationThreshold = new(big.Int).Set(threshold)
	p.logger.Info().Str("deviation_threshold", threshold.String()).Msg("deviation threshold updated")
	return nil
}

// SetRebaseLag replaces the smoothing divisor.
func (p *Policy) SetRebaseLag(caller Principal, lag uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if err := authorize(&p.params, RoleOwner, caller); err != nil {
		return err
	}
	if err := ValidateLag(lag); err != nil {
		return err
	}
	p.params.RebaseLag = lag
	p.logger.Info().Uint64("rebase_lag", lag).Msg("rebase lag updated")
	return nil
}

// SetTimingParameters replaces the rebase schedule.
func (p *Policy) SetTimingParameters(caller Principal, intervalSec, offsetSec, lengthSec uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if err := authorize(&p.params, RoleOwner, caller); err != nil {
		return err
	}
	if err := ValidateTiming(intervalSec, offsetSec, lengthSec); err != nil {
		return err
	}
	p.params.MinRebaseIntervalSec = intervalSec
	p.params.RebaseWindowOffsetSec = offsetSec
	p.params.RebaseWindowLengthSec = lengthSec
	p.logger.Info().
		Uint64("interval_sec", intervalSec).
		Uint64("offset_sec", offsetSec).
		Uint64("length_sec", lengthSec).
		Msg("rebase timing updated")
	return nil
}

// Rebase computes and applies the supply adjustment for the current window.
// Nothing is committed unless the ledger accepts the adjustment.
func (p *Policy) Rebase(ctx context.Context, caller Principal, tradingPrice, targetPrice *big.Int) (RebaseOutcome, error) {
	p.mu.Lock()
	outcome, err := p.rebaseLocked(ctx, caller, tradingPrice, targetPrice)
	observers := p.observers
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().Err(err).Str("caller", caller.Hex()).Msg("rebase rejected")
		return RebaseOutcome{}, err
	}

	p.logger.Info().
		Uint64("epoch", outcome.Epoch).
		Str("trading_price", outcome.TradingPrice.String()).
		Str("target_price", outcome.TargetPrice.String()).
		Str("supply_delta", outcome.RequestedSupplyAdjustment.String()).
		Uint64("timestamp_sec", outcome.TimestampSec).
		Msg("rebase applied")

	for _, obs := range observers {
		obs.RebaseApplied(ctx, outcome.Clone())
	}
	return outcome, nil
}

func (p *Policy) rebaseLocked(ctx context.Context, caller Principal, tradingPrice, targetPrice *big.Int) (RebaseOutcome, error) {
	if err := authorize(&p.params, RoleOrchestrator, caller); err != nil {
		return RebaseOutcome{}, err
	}

	params := p.params.Clone()
	now := UnixSeconds(p.clock())
	timestamp, err := params.Schedule().Admit(now, p.state.LastRebaseTimestampSec)
	if err != nil {
		return RebaseOutcome{}, err
	}

	if tradingPrice == nil || targetPrice == nil || tradingPrice.Sign() <= 0 || targetPrice.Sign() <= 0 {
		return RebaseOutcome{}, ErrInvalidPrice
	}

	supply, err := p.ledger.CurrentTotalSupply(ctx)
	if err != nil {
		return RebaseOutcome{}, fmt.Errorf("read total supply: %w", err)
	}

	delta, err := ComputeSupplyDelta(tradingPrice, targetPrice, supply, params)
	if err != nil {
		return RebaseOutcome{}, err
	}

	epoch := p.state.Epoch + 1
	if err := p.ledger.ApplyRebase(ctx, epoch, new(big.Int).Set(delta)); err != nil {
		return RebaseOutcome{}, fmt.Errorf("%w: %w", ErrLedgerApplyFailed, err)
	}

	p.stateMu.Lock()
	p.state = RuntimeState{Epoch: epoch, LastRebaseTimestampSec: timestamp}
	p.stateMu.Unlock()

	return RebaseOutcome{
		Epoch:                     epoch,
		TradingPrice:              new(big.Int).Set(tradingPrice),
		TargetPrice:               new(big.Int).Set(targetPrice),
		RequestedSupplyAdjustment: delta,
		TimestampSec:              timestamp,
		TotalSupply:               new(big.Int).Set(supply),
	}, nil
}

// ReceiveTransfer rejects value sent to the policy outside a defined call.
func (p *Policy) ReceiveTransfer(from Principal, amount *big.Int) error {
	value := "0"
	if amount != nil {
		value = amount.String()
	}
	p.logger.Warn().Str("from", from.Hex()).Str("amount", value).Msg("rejected unsolicited transfer")
	return ErrUnsupportedTransfer
}

// InRebaseWindow reports whether the clock's current time is inside a rebase window.
func (p *Policy) InRebaseWindow() bool {
	return p.IsInRebaseWindow(UnixSeconds(p.clock()))
}

// IsInRebaseWindow reports whether now (Unix seconds) is inside a rebase window.
func (p *Policy) IsInRebaseWindow(now uint64) bool {
	p.stateMu.RLock()
	schedule := p.params.Schedule()
	p.stateMu.RUnlock()
	return schedule.Contains(now)
}

// NextRebaseWindow returns the earliest time at or after now at which Rebase could succeed.
func (p *Policy) NextRebaseWindow(now uint64) uint64 {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.params.Schedule().NextEligible(now, p.state.LastRebaseTimestampSec)
}

// Now returns the policy clock reading in Unix seconds.
func (p *Policy) Now() uint64 {
	return UnixSeconds(p.clock())
}

// Epoch returns the number of successful rebases.
func (p *Policy) Epoch() uint64 {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state.Epoch
}

// LastRebaseTimestampSec returns the window-anchored time of the last rebase.
func (p *Policy) LastRebaseTimestampSec() uint64 {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state.LastRebaseTimestampSec
}

// State returns the runtime state.
func (p *Policy) State() RuntimeState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// Params returns a copy of the current parameters.
func (p *Policy) Params() Params {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.params.Clone()
}

// EpochAndSupply returns the committed epoch together with the ledger's live
// total supply. While a rebase is being applied the supply may already include
// it before the epoch advances.
func (p *Policy) EpochAndSupply(ctx context.Context) (uint64, *big.Int, error) {
	epoch := p.Epoch()
	supply, err := p.ledger.CurrentTotalSupply(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("read total supply: %w", err)
	}
	return epoch, supply, nil
}
