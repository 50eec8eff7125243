package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent persisted snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPair\tOn-chain\tReference\tDivergence%\tSince update\tStaleness\tDivergence\tStatus\tError")

	for _, snapshot := range snapshots {
		errMsg := ""
		if snapshot.Error != nil {
			errMsg = sanitizeInline(*snapshot.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s min\t%s\t%s\t%s\t%s\n",
			snapshot.Bucket.UTC().Format(time.RFC3339),
			snapshot.AssetPair,
			snapshot.OnChainPrice.StringFixed(4),
			snapshot.ReferencePrice.StringFixed(4),
			snapshot.DivergenceRatio.Mul(decimal.NewFromInt(100)).StringFixed(3),
			snapshot.MinutesSinceUpdate.StringFixed(1),
			snapshot.Staleness,
			snapshot.Divergence,
			snapshot.Status,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
