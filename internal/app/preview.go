package app

import (
	"context"
	"fmt"
	"math/big"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/policy"
)

// PreviewOptions hold the inputs of a dry-run supply calculation.
type PreviewOptions struct {
	TradingPrice string
	TargetPrice  string
	// Supply is in whole tokens; empty uses keeper.initial_supply.
	Supply string
}

// PreviewResult is the adjustment the policy would request for the inputs.
type PreviewResult struct {
	TradingPrice *big.Int
	TargetPrice  *big.Int
	TotalSupply  *big.Int
	Deviation    *big.Int
	SupplyDelta  *big.Int
}

// Preview computes the supply adjustment for the configured parameters
// without touching any ledger or advancing an epoch.
func (a *App) Preview(ctx context.Context, opts PreviewOptions) (PreviewResult, error) {
	trading, err := fixedpoint.ParsePositive(opts.TradingPrice)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("trading price: %w", err)
	}
	target, err := fixedpoint.ParsePositive(opts.TargetPrice)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("target price: %w", err)
	}

	supplyText := opts.Supply
	if supplyText == "" {
		supplyText = a.Config.Keeper.InitialSupply
	}
	supply, err := a.tokenAtoms(supplyText)
	if err != nil {
		return PreviewResult{}, err
	}

	threshold, err := a.Config.Policy.Threshold()
	if err != nil {
		return PreviewResult{}, err
	}
	params := policy.DefaultParams(a.owner())
	params.DeviationThreshold = threshold
	params.RebaseLag = a.Config.Policy.RebaseLag

	delta, err := policy.ComputeSupplyDelta(trading, target, supply, params)
	if err != nil {
		return PreviewResult{}, err
	}
	deviation, err := policy.Deviation(policy.ClampRate(trading), target)
	if err != nil {
		return PreviewResult{}, err
	}

	result := PreviewResult{
		TradingPrice: trading,
		TargetPrice:  target,
		TotalSupply:  supply,
		Deviation:    deviation,
		SupplyDelta:  delta,
	}

	after := new(big.Int).Add(supply, delta)
	fmt.Fprintf(a.Out, "trading price:  %s\n", formatPrice(trading))
	fmt.Fprintf(a.Out, "target price:   %s\n", formatPrice(target))
	fmt.Fprintf(a.Out, "deviation:      %s%%\n", fixedpoint.Percent(deviation, 4))
	fmt.Fprintf(a.Out, "threshold:      %s%%\n", fixedpoint.Percent(threshold, 4))
	fmt.Fprintf(a.Out, "rebase lag:     %d\n", params.RebaseLag)
	fmt.Fprintf(a.Out, "supply before:  %s\n", a.formatTokens(supply))
	fmt.Fprintf(a.Out, "supply delta:   %s\n", a.formatTokens(delta))
	fmt.Fprintf(a.Out, "supply after:   %s\n", a.formatTokens(after))
	return result, nil
}
