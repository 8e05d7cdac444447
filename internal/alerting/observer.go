package alerting

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/policy"
)

// ObserverOptions tune which outcomes produce notifications.
type ObserverOptions struct {
	OnlyNonZero bool
	Channels    []string
	// SupplyDecimals scales supply figures for display; 0 shows raw units.
	SupplyDecimals int32
}

// Observer turns committed rebases into notifications.
type Observer struct {
	notifier Notifier
	opts     ObserverOptions
	logger   zerolog.Logger
}

// NewObserver wraps a notifier as a policy observer.
func NewObserver(notifier Notifier, opts ObserverOptions, logger zerolog.Logger) *Observer {
	return &Observer{
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_observer").Logger(),
	}
}

// RebaseApplied sends one notification per committed rebase.
func (o *Observer) RebaseApplied(ctx context.Context, outcome policy.RebaseOutcome) {
	if o.opts.OnlyNonZero && outcome.RequestedSupplyAdjustment.Sign() == 0 {
		return
	}
	note := FromOutcome(outcome, o.opts.SupplyDecimals)
	note.Channels = o.opts.Channels
	if err := o.notifier.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Uint64("epoch", outcome.Epoch).Msg("failed to dispatch rebase notification")
	}
}

// FromOutcome builds a notification describing a committed rebase.
func FromOutcome(outcome policy.RebaseOutcome, supplyDecimals int32) Notification {
	note := Notification{
		Kind:         KindRebase,
		Epoch:        outcome.Epoch,
		At:           time.Unix(int64(outcome.TimestampSec), 0).UTC(),
		TradingPrice: fixedpoint.ToDecimal(outcome.TradingPrice),
		TargetPrice:  fixedpoint.ToDecimal(outcome.TargetPrice),
		SupplyDelta:  scaled(outcome.RequestedSupplyAdjustment, supplyDecimals),
		TotalSupply:  scaled(outcome.TotalSupply, supplyDecimals),
	}
	if dev, err := policy.Deviation(policy.ClampRate(outcome.TradingPrice), outcome.TargetPrice); err == nil {
		note.DeviationPct = fixedpoint.ToDecimal(dev).Mul(decimal.NewFromInt(100))
	}
	return note
}

func scaled(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

var _ policy.Observer = (*Observer)(nil)
