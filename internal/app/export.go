package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"oraclewatch/internal/storage"
)

// Export renders historical snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleSnapshots thins per feed so every pair keeps its shape in
// the exported window.
func downsampleSnapshots(snapshots []storage.FeedSnapshot, max int) []storage.FeedSnapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	byPair := groupByPair(snapshots)
	perPair := max / len(byPair)
	if perPair < 2 {
		perPair = 2
	}

	result := make([]storage.FeedSnapshot, 0, max)
	for _, pair := range sortedPairs(byPair) {
		result = append(result, downsampleSeries(byPair[pair], perPair)...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Bucket.Before(result[j].Bucket)
	})
	return result
}

func downsampleSeries(series []storage.FeedSnapshot, max int) []storage.FeedSnapshot {
	if max <= 0 || len(series) <= max {
		return series
	}

	result := make([]storage.FeedSnapshot, 0, max)
	step := float64(len(series)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(series) {
			idx = len(series) - 1
		}
		result = append(result, series[idx])
	}
	return result
}

func groupByPair(snapshots []storage.FeedSnapshot) map[string][]storage.FeedSnapshot {
	byPair := make(map[string][]storage.FeedSnapshot)
	for _, snapshot := range snapshots {
		byPair[snapshot.AssetPair] = append(byPair[snapshot.AssetPair], snapshot)
	}
	return byPair
}

func sortedPairs(byPair map[string][]storage.FeedSnapshot) []string {
	pairs := make([]string, 0, len(byPair))
	for pair := range byPair {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

func writeSnapshotsCSV(path string, snapshots []storage.FeedSnapshot) error {
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

	header := []string{"bucket_ts", "asset_pair", "address", "onchain_price", "reference_price", "divergence_pct", "minutes_since_update", "staleness", "divergence", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snapshot := range snapshots {
		errMsg := ""
		if snapshot.Error != nil {
			errMsg = *snapshot.Error
		}
		record := []string{
			snapshot.Bucket.Format(time.RFC3339),
			snapshot.AssetPair,
			snapshot.Address,
			snapshot.OnChainPrice.String(),
			snapshot.ReferencePrice.String(),
			snapshot.DivergenceRatio.Mul(decimal.NewFromInt(100)).String(),
			snapshot.MinutesSinceUpdate.String(),
			snapshot.Staleness,
			snapshot.Divergence,
			snapshot.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.FeedSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byPair := groupByPair(snapshots)

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}

	series := make([]chart.Series, 0, len(byPair))
	for _, pair := range sortedPairs(byPair) {
		points := byPair[pair]
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, snapshot := range points {
			x[i] = snapshot.Bucket
			y[i] = snapshot.DivergenceRatio.Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    pair,
			XValues: x,
			YValues: y,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Divergence (%)",
			ValueFormatter: pctFormatter,
		},
		Series: series,
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
