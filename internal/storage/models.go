package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// FeedSnapshot represents one persisted per-feed evaluation within a
// refresh bucket.
type FeedSnapshot struct {
	Bucket             time.Time
	AssetPair          string
	Address            string
	OnChainPrice       decimal.Decimal
	ReferencePrice     decimal.Decimal
	DivergenceRatio    decimal.Decimal
	MinutesSinceUpdate decimal.Decimal
	Staleness          string
	Divergence         string
	ReferencePayload   json.RawMessage
	Status             string
	Error              *string
	CreatedAt          time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID                 int64
	SampleTS           time.Time
	AssetPair          string
	Address            string
	DivergenceRatio    decimal.Decimal
	MinutesSinceUpdate decimal.Decimal
	Staleness          string
	Divergence         string
	Channels           []string
	CreatedAt          time.Time
}
