package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/big14way/Bastion-sub002/internal/depeg"
	"github.com/big14way/Bastion-sub002/internal/storage"
)

// exportRow is one observation, optionally annotated with the deviation
// against a reference asset's observation nearest in time.
type exportRow struct {
	record       storage.PriceRecord
	deviationBps *int64
}

// Export renders an asset's price history as CSV and/or PNG. When a
// reference asset is given the deviation in basis points is included.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Asset == "" {
		return errors.New("--asset is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Feeds.PollInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.PriceHistoryBetween(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("asset", opts.Asset).Msg("no observations in export window")
		return nil
	}

	var reference []storage.PriceRecord
	if opts.Reference != "" {
		reference, err = store.PriceHistoryBetween(ctx, opts.Reference, from, to)
		if err != nil {
			return err
		}
	}

	rows := buildExportRows(downsampleRecords(records, opts.MaxPoints), reference)
	a.Logger.Info().
		Int("total", len(records)).
		Int("exported", len(rows)).
		Str("asset", opts.Asset).
		Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, opts.Asset, rows); err != nil {
			return err
		}
	}
	return nil
}

func downsampleRecords(records []storage.PriceRecord, max int) []storage.PriceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.PriceRecord, 0, max)
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

// buildExportRows pairs each observation with the reference observation
// nearest in time. Both slices are ordered by update time.
func buildExportRows(records, reference []storage.PriceRecord) []exportRow {
	rows := make([]exportRow, 0, len(records))
	refIdx := 0
	for _, rec := range records {
		row := exportRow{record: rec}
		if len(reference) > 0 {
			for refIdx+1 < len(reference) && !reference[refIdx+1].UpdatedAt.After(rec.UpdatedAt) {
				refIdx++
			}
			bps, err := depeg.DeviationBps(reference[refIdx].Normalized(), rec.Normalized())
			if err == nil {
				row.deviationBps = &bps
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"updated_at", "asset", "price", "raw_value", "decimals", "round_id", "deviation_bps"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		rec := row.record
		deviation := ""
		if row.deviationBps != nil {
			deviation = strconv.FormatInt(*row.deviationBps, 10)
		}
		record := []string{
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.Asset,
			rec.Normalized().String(),
			rec.RawValue.String(),
			strconv.Itoa(int(rec.Decimals)),
			rec.RoundID.String(),
			deviation,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path, asset string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	prices := make([]float64, len(rows))
	deviations := make([]float64, len(rows))
	haveDeviation := false

	for i, row := range rows {
		x[i] = row.record.UpdatedAt
		prices[i] = row.record.Normalized().InexactFloat64()
		if row.deviationBps != nil {
			deviations[i] = float64(*row.deviationBps)
			haveDeviation = true
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("%s price", asset),
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    asset,
				XValues: x,
				YValues: prices,
			},
		},
	}
	if haveDeviation {
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Deviation (bps)",
			ValueFormatter: priceFormatter,
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Deviation bps",
			XValues: x,
			YValues: deviations,
			YAxis:   chart.YAxisSecondary,
		})
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
