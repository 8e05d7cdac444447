package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent rebases, or recent keeper runs when opts.Runs is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show rebases")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Runs {
		return a.showRuns(ctx, opts.Limit, store.ListRecentRuns)
	}

	records, err := store.ListRecentOutcomes(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no rebases found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Epoch\tTime (UTC)\tTrading\tTarget\tDelta\tSupply After")

	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Epoch,
			r.RebasedAt.UTC().Format(time.RFC3339),
			formatPrice(r.TradingPrice),
			formatPrice(r.TargetPrice),
			a.formatTokens(r.SupplyDelta),
			a.formatTokens(r.SupplyAfter()),
		)
	}

	return writer.Flush()
}

func (a *App) showRuns(ctx context.Context, limit int, list runLister) error {
	runs, err := list(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "no keeper runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Scheduled (UTC)\tStatus\tEpoch\tTrading\tTarget\tQuality\tError")
	for _, run := range runs {
		epoch := "-"
		if run.Epoch != nil {
			epoch = fmt.Sprintf("%d", *run.Epoch)
		}
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ScheduledAt.UTC().Format(time.RFC3339),
			run.Status,
			epoch,
			formatPrice(run.TradingPrice),
			formatPrice(run.TargetPrice),
			run.PriceQuality,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
