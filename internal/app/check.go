package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"oraclewatch/internal/evaluator"
	"oraclewatch/internal/service"
)

// Check runs a single refresh cycle and renders the feed table to
// stdout. No persistence, no alerting: this is the read-only view of
// what the monitor would record right now.
func (a *App) Check(ctx context.Context) error {
	if len(a.Config.Feeds) == 0 {
		return errors.New("no feeds configured; nothing to check")
	}

	rounds, reference := a.newFetchers()
	svc := service.New(a.Config, nil, rounds, reference, nil, nil, nil, a.Logger)

	collection := svc.Collect(ctx)
	renderRows(os.Stdout, collection)
	return nil
}

func renderRows(out io.Writer, collection service.Collection) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tOn-chain\tReference\tDivergence%\tSince update\tStaleness\tDivergence\tNote")

	for _, row := range collection.Rows {
		note := collection.FetchErrors[row.Descriptor.Address]
		fmt.Fprintf(
			writer,
			"%s\t%.4f\t%.4f\t%+.3f\t%.1f min\t%s\t%s\t%s\n",
			row.Descriptor.AssetPair,
			row.OnChainPrice,
			row.ReferencePrice,
			row.DivergenceRatio*100,
			row.MinutesSinceUpdate,
			statusLabel(string(row.Staleness)),
			statusLabel(string(row.Divergence)),
			sanitizeInline(note),
		)
	}

	writer.Flush()
}

func statusLabel(s string) string {
	switch s {
	case string(evaluator.StalenessFresh), string(evaluator.DivergenceAligned):
		return "OK " + s
	case string(evaluator.StalenessAging):
		return "!  " + s
	default:
		return "!! " + s
	}
}
