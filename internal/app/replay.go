package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/ledger"
	"rebase-policy/internal/policy"
	"rebase-policy/internal/storage"
)

// ReplayOptions configure an offline replay of historical price observations.
type ReplayOptions struct {
	// InputPath is a CSV of timestamp,trading_price,target_price rows.
	InputPath string
	// Input overrides InputPath when set.
	Input io.Reader
	// Supply overrides keeper.initial_supply, in whole tokens.
	Supply string
}

// ReplayStep is the result of one replayed rebase attempt.
type ReplayStep struct {
	At           time.Time
	TradingPrice *big.Int
	TargetPrice  *big.Int
	Status       string
	Epoch        uint64
	SupplyDelta  *big.Int
	SupplyAfter  *big.Int
	Err          error
}

// Replay drives a policy over a memory ledger with a simulated clock, one
// rebase attempt per input row, and prints the resulting table.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) ([]ReplayStep, error) {
	input := opts.Input
	if input == nil {
		if opts.InputPath == "" {
			return nil, errors.New("replay input is required")
		}
		file, err := os.Open(opts.InputPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		input = file
	}

	rows, err := readReplayRows(input)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("replay input has no rows")
	}

	supplyText := opts.Supply
	if supplyText == "" {
		supplyText = a.Config.Keeper.InitialSupply
	}
	supply, err := a.tokenAtoms(supplyText)
	if err != nil {
		return nil, err
	}

	var current time.Time
	clock := func() time.Time { return current }

	caller := a.orchestrator()
	if caller == (policy.Principal{}) {
		caller = a.owner()
	}

	mem := ledger.NewMemory(supply, a.Logger)
	p, err := a.newPolicy(mem, caller, policy.WithClock(clock))
	if err != nil {
		return nil, err
	}

	steps := make([]ReplayStep, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		current = row.at

		step := ReplayStep{At: row.at, TradingPrice: row.trading, TargetPrice: row.target}
		outcome, err := p.Rebase(ctx, caller, row.trading, row.target)
		switch {
		case err == nil:
			step.Status = storage.RunApplied
			step.Epoch = outcome.Epoch
			step.SupplyDelta = outcome.RequestedSupplyAdjustment
		case errors.Is(err, policy.ErrRebaseTooSoon), errors.Is(err, policy.ErrOutsideRebaseWindow):
			step.Status = storage.RunRejected
			step.Epoch = p.Epoch()
			step.Err = err
		default:
			step.Status = storage.RunErrored
			step.Epoch = p.Epoch()
			step.Err = err
		}
		_, after, err := p.EpochAndSupply(ctx)
		if err != nil {
			return steps, err
		}
		step.SupplyAfter = after
		steps = append(steps, step)
	}

	a.Logger.Info().
		Int("rows", len(steps)).
		Uint64("epoch", p.Epoch()).
		Msg("replay finished")

	return steps, a.printReplay(steps)
}

func (a *App) printReplay(steps []ReplayStep) error {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTrading\tTarget\tStatus\tEpoch\tDelta\tSupply")
	for _, s := range steps {
		delta := "-"
		if s.SupplyDelta != nil {
			delta = a.formatTokens(s.SupplyDelta)
		}
		status := s.Status
		if s.Err != nil {
			status = fmt.Sprintf("%s (%v)", s.Status, s.Err)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.At.UTC().Format(time.RFC3339),
			formatPrice(s.TradingPrice),
			formatPrice(s.TargetPrice),
			status,
			s.Epoch,
			delta,
			a.formatTokens(s.SupplyAfter),
		)
	}
	return writer.Flush()
}

type replayRow struct {
	at      time.Time
	trading *big.Int
	target  *big.Int
}

func readReplayRows(r io.Reader) ([]replayRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read replay csv: %w", err)
	}

	rows := make([]replayRow, 0, len(records))
	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "timestamp") {
			continue
		}
		at, err := parseReplayTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		trading, err := fixedpoint.ParsePositive(rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %d trading price: %w", i+1, err)
		}
		target, err := fixedpoint.ParsePositive(rec[2])
		if err != nil {
			return nil, fmt.Errorf("row %d target price: %w", i+1, err)
		}
		rows = append(rows, replayRow{at: at, trading: trading, target: target})
	}
	return rows, nil
}

// parseReplayTime accepts RFC3339 or Unix seconds.
func parseReplayTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
	}
	return t.UTC(), nil
}
