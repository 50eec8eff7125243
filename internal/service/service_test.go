package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/config"
	"oraclewatch/internal/evaluator"
)

type fakeRounds struct {
	byAddress map[string]evaluator.OnChainObservation
	failing   map[string]bool
}

func (f *fakeRounds) FetchRound(ctx context.Context, address string) (evaluator.OnChainObservation, error) {
	if f.failing[address] {
		return evaluator.OnChainObservation{}, errors.New("rpc unreachable")
	}
	obs, ok := f.byAddress[address]
	if !ok {
		return evaluator.OnChainObservation{}, errors.New("unknown address")
	}
	return obs, nil
}

type fakeReference struct {
	byFeedID map[string]evaluator.ReferenceObservation
	failing  map[string]bool
}

func (f *fakeReference) FetchReference(ctx context.Context, feedID string) (evaluator.ReferenceObservation, json.RawMessage, error) {
	if f.failing[feedID] {
		return evaluator.ReferenceObservation{}, nil, errors.New("service unavailable")
	}
	obs, ok := f.byFeedID[feedID]
	if !ok {
		return evaluator.ReferenceObservation{}, nil, errors.New("unknown feed")
	}
	return obs, json.RawMessage(`{}`), nil
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			Interval:         time.Minute,
			FetchParallelism: 4,
		},
		Feeds: []config.FeedConfig{
			{Pair: "ETH/USD", Address: "0xaaa", FeedID: "feed-eth"},
			{Pair: "BTC/USD", Address: "0xbbb", FeedID: "feed-btc"},
		},
		Alerting: config.AlertingConfig{
			Enabled:  true,
			Cooldown: time.Hour,
			Channels: []string{"telegram"},
		},
	}
}

func healthyFetchers(now int64) (*fakeRounds, *fakeReference) {
	rounds := &fakeRounds{
		byAddress: map[string]evaluator.OnChainObservation{
			"0xaaa": {Price: big.NewInt(250000000000), UpdatedAt: now - 60},
			"0xbbb": {Price: big.NewInt(9000000000000), UpdatedAt: now - 60},
		},
		failing: map[string]bool{},
	}
	reference := &fakeReference{
		byFeedID: map[string]evaluator.ReferenceObservation{
			"feed-eth": {Significand: "25010000000", Exponent: -7},
			"feed-btc": {Significand: "9001000000000", Exponent: -8},
		},
		failing: map[string]bool{},
	}
	return rounds, reference
}

func TestCollectHealthyFeeds(t *testing.T) {
	now := time.Now().UTC().Unix()
	rounds, reference := healthyFetchers(now)
	svc := New(testConfig(), nil, rounds, reference, nil, nil, nil, zerolog.Nop())

	collection := svc.Collect(context.Background())
	if len(collection.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(collection.Rows))
	}
	if len(collection.FetchErrors) != 0 {
		t.Fatalf("no fetch errors expected, got %v", collection.FetchErrors)
	}

	eth := collection.Rows[0]
	if eth.Descriptor.AssetPair != "ETH/USD" {
		t.Fatalf("configuration order not preserved, first row %s", eth.Descriptor.AssetPair)
	}
	if eth.Divergence != evaluator.DivergenceAligned {
		t.Fatalf("eth should be aligned, got %s", eth.Divergence)
	}
	if eth.Staleness != evaluator.StalenessFresh {
		t.Fatalf("eth should be fresh, got %s", eth.Staleness)
	}
}

func TestCollectIsolatesFetchFailure(t *testing.T) {
	now := time.Now().UTC().Unix()
	rounds, reference := healthyFetchers(now)
	reference.failing["feed-btc"] = true

	svc := New(testConfig(), nil, rounds, reference, nil, nil, nil, zerolog.Nop())
	collection := svc.Collect(context.Background())

	if len(collection.Rows) != 2 {
		t.Fatalf("one failing feed must not shrink the table, got %d rows", len(collection.Rows))
	}

	btc := collection.Rows[1]
	if btc.ReferencePrice != 0 {
		t.Fatalf("failed reference should read 0, got %v", btc.ReferencePrice)
	}
	if btc.Divergence != evaluator.DivergenceDivergent {
		t.Fatalf("sentinel over live baseline should be divergent, got %s", btc.Divergence)
	}
	if _, ok := collection.FetchErrors["0xbbb"]; !ok {
		t.Fatalf("expected fetch error recorded for 0xbbb, got %v", collection.FetchErrors)
	}

	eth := collection.Rows[0]
	if eth.Divergence != evaluator.DivergenceAligned {
		t.Fatalf("healthy feed should be unaffected, got %s", eth.Divergence)
	}
}

func TestProcessBucketDispatchesAlerts(t *testing.T) {
	now := time.Now().UTC().Unix()
	rounds, reference := healthyFetchers(now)
	// Push ETH deep into stale territory.
	rounds.byAddress["0xaaa"] = evaluator.OnChainObservation{Price: big.NewInt(250000000000), UpdatedAt: now - 3600}

	notifier := &captureNotifier{}
	svc := New(testConfig(), nil, rounds, reference, nil, nil, notifier, zerolog.Nop())

	bucket := time.Now().UTC().Truncate(time.Minute)
	if err := svc.ProcessBucket(context.Background(), bucket); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", notifier.count())
	}

	// Second cycle inside the cooldown window stays quiet.
	if err := svc.ProcessBucket(context.Background(), bucket.Add(time.Minute)); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("cooldown should suppress repeat alert, got %d", notifier.count())
	}
}

func TestProcessBucketNoAlertWhenHealthy(t *testing.T) {
	now := time.Now().UTC().Unix()
	rounds, reference := healthyFetchers(now)

	notifier := &captureNotifier{}
	svc := New(testConfig(), nil, rounds, reference, nil, nil, notifier, zerolog.Nop())

	if err := svc.ProcessBucket(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}
	if notifier.count() != 0 {
		t.Fatalf("healthy feeds should not alert, got %d", notifier.count())
	}
}
