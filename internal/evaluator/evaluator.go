package evaluator

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Staleness buckets minutes-since-update into a display urgency level.
type Staleness string

// Divergence buckets the reference/on-chain price gap.
type Divergence string

const (
	StalenessFresh Staleness = "fresh"
	StalenessAging Staleness = "aging"
	StalenessStale Staleness = "stale"

	DivergenceAligned   Divergence = "aligned"
	DivergenceDivergent Divergence = "divergent"
)

// Classification thresholds. These are the single source of truth;
// renderers and alerting consume the classified values and must not
// restate the numbers.
const (
	FreshMaxMinutes = 15.0
	AgingMaxMinutes = 30.0
	AlignedMaxRatio = 0.02

	// OnChainDecimals is the implied fixed-point scale of wrapper
	// contract answers.
	OnChainDecimals = 8
)

// Descriptor is the static per-feed configuration: a human-readable
// pair label, the wrapper contract address read on-chain, and the id
// used against the reference price source.
type Descriptor struct {
	AssetPair string
	Address   string
	FeedID    string
}

// OnChainObservation is the slice of a latest-round read this package
// consumes. The zero value doubles as the "unavailable" sentinel.
type OnChainObservation struct {
	Price     *big.Int
	UpdatedAt int64
}

// ReferenceObservation carries the reference price as significand and
// exponent, undecoded so no precision is lost before normalization.
// The zero value doubles as the "unavailable" sentinel.
type ReferenceObservation struct {
	Significand string
	Exponent    int32
}

// Row is one evaluated feed, ready for rendering or persistence.
type Row struct {
	Descriptor Descriptor

	OnChainPrice       float64
	ReferencePrice     float64
	DivergenceRatio    float64
	MinutesSinceUpdate float64

	Staleness  Staleness
	Divergence Divergence
}

// NormalizeOnChainPrice converts a raw fixed-point contract answer to a
// display float. A nil answer normalizes to 0.
func NormalizeOnChainPrice(raw *big.Int) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -OnChainDecimals).InexactFloat64()
}

// NormalizeReferencePrice converts significand·10^exponent to a display
// float. A missing or malformed significand normalizes to 0.
func NormalizeReferencePrice(significand string, exponent int32) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(significand))
	if err != nil {
		return 0
	}
	return d.Shift(exponent).InexactFloat64()
}

// DivergenceRatio returns the signed fractional gap between the
// reference and on-chain prices. Positive means the on-chain record
// lags below the reference. A zero on-chain price yields exactly 0:
// with no baseline there is no divergence signal.
func DivergenceRatio(onChain, reference float64) float64 {
	if onChain == 0 {
		return 0
	}
	return (reference - onChain) / onChain
}

// MinutesSinceUpdate returns elapsed minutes between the on-chain
// update and now. Deliberately unclamped: a future on-chain timestamp
// produces a negative value that flows through classification like any
// other.
func MinutesSinceUpdate(updatedAt, now int64) float64 {
	return float64(now-updatedAt) / 60
}

// ClassifyStaleness buckets elapsed minutes by the fixed thresholds.
func ClassifyStaleness(minutes float64) Staleness {
	switch {
	case minutes < FreshMaxMinutes:
		return StalenessFresh
	case minutes < AgingMaxMinutes:
		return StalenessAging
	default:
		return StalenessStale
	}
}

// ClassifyDivergence buckets the ratio symmetrically around zero.
func ClassifyDivergence(ratio float64) Divergence {
	if math.Abs(ratio) < AlignedMaxRatio {
		return DivergenceAligned
	}
	return DivergenceDivergent
}

// Evaluate combines each descriptor with its paired observations into a
// Row. Feeds missing from either map fall back to the zero sentinel so
// one failed fetch never blanks the rest of the table. Output order is
// descriptor order; it is configuration order and callers rely on it.
// The function is pure: same inputs, same rows.
func Evaluate(descriptors []Descriptor, chainByAddress map[string]OnChainObservation, referenceByFeedID map[string]ReferenceObservation, now int64) []Row {
	rows := make([]Row, 0, len(descriptors))
	for _, desc := range descriptors {
		chain := chainByAddress[desc.Address]
		reference := referenceByFeedID[desc.FeedID]

		onChainPrice := NormalizeOnChainPrice(chain.Price)
		referencePrice := NormalizeReferencePrice(reference.Significand, reference.Exponent)
		ratio := DivergenceRatio(onChainPrice, referencePrice)
		minutes := MinutesSinceUpdate(chain.UpdatedAt, now)

		rows = append(rows, Row{
			Descriptor:         desc,
			OnChainPrice:       onChainPrice,
			ReferencePrice:     referencePrice,
			DivergenceRatio:    ratio,
			MinutesSinceUpdate: minutes,
			Staleness:          ClassifyStaleness(minutes),
			Divergence:         ClassifyDivergence(ratio),
		})
	}
	return rows
}
