package fetcher

import (
	"context"
	"encoding/json"

	"oraclewatch/internal/evaluator"
)

// RoundReader retrieves the latest recorded round from a feed's wrapper
// contract.
type RoundReader interface {
	FetchRound(ctx context.Context, address string) (evaluator.OnChainObservation, error)
}

// ReferenceReader retrieves the current reference price for a feed id,
// plus the raw payload for auditing.
type ReferenceReader interface {
	FetchReference(ctx context.Context, feedID string) (evaluator.ReferenceObservation, json.RawMessage, error)
}
