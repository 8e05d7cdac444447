package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"rebase-policy/internal/fixedpoint"
	"rebase-policy/internal/storage"
)

// exportFetchLimit bounds how many rows are read before downsampling.
const exportFetchLimit = 100000

// Export renders rebase history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	interval := a.Config.Policy.MinRebaseInterval
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListOutcomesBetween(ctx, from, to, exportFetchLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no rebases found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting rebases")

	if opts.CSVPath != "" {
		if err := a.writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.RebaseRecord, max int) []storage.RebaseRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.RebaseRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func (a *App) writeRecordsCSV(path string, records []storage.RebaseRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"epoch", "rebased_at", "trading_price", "target_price", "supply_delta", "supply_before", "supply_after"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.Epoch, 10),
			r.RebasedAt.UTC().Format(time.RFC3339),
			fixedpoint.ToDecimal(r.TradingPrice).String(),
			fixedpoint.ToDecimal(r.TargetPrice).String(),
			a.formatTokens(r.SupplyDelta),
			a.formatTokens(r.TotalSupply),
			a.formatTokens(r.SupplyAfter()),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeRecordsPNG(path string, records []storage.RebaseRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	trading := make([]float64, len(records))
	target := make([]float64, len(records))
	supply := make([]float64, len(records))

	for i, r := range records {
		x[i] = r.RebasedAt
		trading[i] = fixedpoint.ToDecimal(r.TradingPrice).InexactFloat64()
		target[i] = fixedpoint.ToDecimal(r.TargetPrice).InexactFloat64()
		supply[i], _ = strconv.ParseFloat(a.formatTokens(r.SupplyAfter()), 64)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	supplyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Supply",
			ValueFormatter: supplyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Trading",
				XValues: x,
				YValues: trading,
			},
			chart.TimeSeries{
				Name:    "Target",
				XValues: x,
				YValues: target,
			},
			chart.TimeSeries{
				Name:    "Supply after",
				XValues: x,
				YValues: supply,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
