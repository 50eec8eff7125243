package evaluator

import (
	"math"
	"math/big"
	"reflect"
	"testing"
)

func TestDivergenceRatioZeroBaseline(t *testing.T) {
	for _, reference := range []float64{0, 1, 2500, -3, 1e12} {
		if got := DivergenceRatio(0, reference); got != 0 {
			t.Fatalf("DivergenceRatio(0, %v) = %v, want exactly 0", reference, got)
		}
	}
}

func TestDivergenceRatioSigned(t *testing.T) {
	cases := []struct {
		onChain, reference, want float64
	}{
		{2500, 2501, 0.0004},
		{2500, 0, -1.0},
		{100, 98, -0.02},
		{100, 102, 0.02},
	}
	for _, tc := range cases {
		got := DivergenceRatio(tc.onChain, tc.reference)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("DivergenceRatio(%v, %v) = %v, want %v", tc.onChain, tc.reference, got, tc.want)
		}
	}
}

func TestClassifyStalenessThresholds(t *testing.T) {
	cases := []struct {
		minutes float64
		want    Staleness
	}{
		{0, StalenessFresh},
		{14.999, StalenessFresh},
		{15.0, StalenessAging},
		{29.999, StalenessAging},
		{30.0, StalenessStale},
		{1800, StalenessStale},
		// Negative input from clock skew is classified by the same
		// cutoffs, no special case.
		{-5, StalenessFresh},
	}
	for _, tc := range cases {
		if got := ClassifyStaleness(tc.minutes); got != tc.want {
			t.Fatalf("ClassifyStaleness(%v) = %s, want %s", tc.minutes, got, tc.want)
		}
	}
}

func TestClassifyDivergenceThresholds(t *testing.T) {
	if got := ClassifyDivergence(0.0199); got != DivergenceAligned {
		t.Fatalf("0.0199 should be aligned, got %s", got)
	}
	if got := ClassifyDivergence(0.02); got != DivergenceDivergent {
		t.Fatalf("0.02 should be divergent, got %s", got)
	}
}

func TestClassifyDivergenceSymmetric(t *testing.T) {
	for _, x := range []float64{0, 0.001, 0.0199, 0.02, 0.5, 1, 100} {
		if ClassifyDivergence(x) != ClassifyDivergence(-x) {
			t.Fatalf("classification not symmetric at %v", x)
		}
	}
}

func TestNormalizeOnChainPrice(t *testing.T) {
	if got := NormalizeOnChainPrice(big.NewInt(250000000000)); got != 2500.0 {
		t.Fatalf("got %v, want 2500.0", got)
	}
	if got := NormalizeOnChainPrice(big.NewInt(-1500000000)); got != -15.0 {
		t.Fatalf("got %v, want -15.0", got)
	}
	if got := NormalizeOnChainPrice(nil); got != 0 {
		t.Fatalf("nil answer should normalize to 0, got %v", got)
	}
}

func TestNormalizeReferencePrice(t *testing.T) {
	if got := NormalizeReferencePrice("25010000000", -7); got != 2501.0 {
		t.Fatalf("got %v, want 2501.0", got)
	}
	if got := NormalizeReferencePrice("", 0); got != 0 {
		t.Fatalf("empty significand should normalize to 0, got %v", got)
	}
	if got := NormalizeReferencePrice("not-a-number", 3); got != 0 {
		t.Fatalf("malformed significand should normalize to 0, got %v", got)
	}
}

func TestMinutesSinceUpdate(t *testing.T) {
	now := int64(1_700_000_000)
	if got := MinutesSinceUpdate(now-1800, now); got != 30.0 {
		t.Fatalf("got %v, want 30.0", got)
	}
	if got := MinutesSinceUpdate(now+600, now); got != -10.0 {
		t.Fatalf("future timestamp should go negative, got %v", got)
	}
}

func testDescriptors() []Descriptor {
	return []Descriptor{
		{AssetPair: "ETH/USD", Address: "0xaaa", FeedID: "feed-eth"},
		{AssetPair: "BTC/USD", Address: "0xbbb", FeedID: "feed-btc"},
		{AssetPair: "SOL/USD", Address: "0xccc", FeedID: "feed-sol"},
	}
}

func TestEvaluatePreservesOrder(t *testing.T) {
	descs := testDescriptors()
	rows := Evaluate(descs, nil, nil, 0)
	if len(rows) != len(descs) {
		t.Fatalf("got %d rows, want %d", len(rows), len(descs))
	}
	for i, row := range rows {
		if row.Descriptor != descs[i] {
			t.Fatalf("row %d out of order: %+v", i, row.Descriptor)
		}
	}
}

func TestEvaluatePartialFailure(t *testing.T) {
	descs := testDescriptors()
	now := int64(1_700_000_000)

	chain := map[string]OnChainObservation{
		"0xaaa": {Price: big.NewInt(250000000000), UpdatedAt: now - 60},
		"0xbbb": {Price: big.NewInt(9000000000000), UpdatedAt: now - 60},
		"0xccc": {Price: big.NewInt(15000000000), UpdatedAt: now - 60},
	}
	// Reference fetch for BTC failed; its entry is simply absent.
	reference := map[string]ReferenceObservation{
		"feed-eth": {Significand: "25010000000", Exponent: -7},
		"feed-sol": {Significand: "1500000000", Exponent: -8},
	}

	rows := Evaluate(descs, chain, reference, now)
	if len(rows) != 3 {
		t.Fatalf("one bad feed must not shrink the table, got %d rows", len(rows))
	}

	btc := rows[1]
	if btc.ReferencePrice != 0 {
		t.Fatalf("missing reference should yield 0, got %v", btc.ReferencePrice)
	}
	if btc.DivergenceRatio != -1.0 {
		t.Fatalf("zero reference over live baseline should give -1.0, got %v", btc.DivergenceRatio)
	}
	if btc.Divergence != DivergenceDivergent {
		t.Fatalf("btc row should classify divergent, got %s", btc.Divergence)
	}

	if rows[0].Divergence != DivergenceAligned {
		t.Fatalf("eth row should stay aligned, got %s", rows[0].Divergence)
	}
	if rows[2].Divergence != DivergenceAligned {
		t.Fatalf("sol row should stay aligned, got %s", rows[2].Divergence)
	}
}

func TestEvaluateMissingChainObservation(t *testing.T) {
	descs := testDescriptors()[:1]
	now := int64(1_700_000_000)

	rows := Evaluate(descs, nil, map[string]ReferenceObservation{
		"feed-eth": {Significand: "25010000000", Exponent: -7},
	}, now)

	row := rows[0]
	if row.OnChainPrice != 0 {
		t.Fatalf("missing chain observation should yield 0, got %v", row.OnChainPrice)
	}
	if row.DivergenceRatio != 0 {
		t.Fatalf("no baseline means no divergence signal, got %v", row.DivergenceRatio)
	}
	if row.Divergence != DivergenceAligned {
		t.Fatalf("zero baseline classifies aligned by definition, got %s", row.Divergence)
	}
	// updatedAt sentinel 0 puts the row deep into stale territory.
	if row.Staleness != StalenessStale {
		t.Fatalf("sentinel timestamp should classify stale, got %s", row.Staleness)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	descs := testDescriptors()
	now := int64(1_700_000_000)
	chain := map[string]OnChainObservation{
		"0xaaa": {Price: big.NewInt(250000000000), UpdatedAt: now - 120},
	}
	reference := map[string]ReferenceObservation{
		"feed-eth": {Significand: "25010000000", Exponent: -7},
	}

	first := Evaluate(descs, chain, reference, now)
	second := Evaluate(descs, chain, reference, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("evaluate is not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestEvaluateEndToEndScenario(t *testing.T) {
	now := int64(1_700_000_000)
	descs := []Descriptor{{AssetPair: "ETH/USD", Address: "0xaaa", FeedID: "feed-eth"}}

	rows := Evaluate(descs,
		map[string]OnChainObservation{"0xaaa": {Price: big.NewInt(250000000000), UpdatedAt: now - 1800}},
		map[string]ReferenceObservation{"feed-eth": {Significand: "25010000000", Exponent: -7}},
		now,
	)

	row := rows[0]
	if row.OnChainPrice != 2500.0 {
		t.Fatalf("on-chain price = %v, want 2500.0", row.OnChainPrice)
	}
	if row.ReferencePrice != 2501.0 {
		t.Fatalf("reference price = %v, want 2501.0", row.ReferencePrice)
	}
	if math.Abs(row.DivergenceRatio-0.0004) > 1e-12 {
		t.Fatalf("divergence ratio = %v, want 0.0004", row.DivergenceRatio)
	}
	if row.Divergence != DivergenceAligned {
		t.Fatalf("0.0004 should be aligned, got %s", row.Divergence)
	}
	if row.MinutesSinceUpdate != 30.0 {
		t.Fatalf("minutes since update = %v, want 30.0", row.MinutesSinceUpdate)
	}
	if row.Staleness != StalenessStale {
		t.Fatalf("30 minutes should be stale, got %s", row.Staleness)
	}
}
