package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Interval: time.Minute, FetchParallelism: 4},
		Export:    ExportConfig{MaxDataPoints: 1000},
		Feeds: []FeedConfig{
			{Pair: "ETH/USD", Address: "0xaaa", FeedID: "feed-eth"},
			{Pair: "BTC/USD", Address: "0xbbb", FeedID: "feed-btc"},
		},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config should pass: %v", err)
	}
}

func TestValidateRejectsBadFeeds(t *testing.T) {
	cfg := validConfig()
	cfg.Feeds[1].FeedID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing feed_id should fail validation")
	}

	cfg = validConfig()
	cfg.Feeds[1].Address = cfg.Feeds[0].Address
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate address should fail validation")
	}
}

func TestDescriptorsPreserveOrder(t *testing.T) {
	cfg := validConfig()
	descs := cfg.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if descs[0].AssetPair != "ETH/USD" || descs[1].AssetPair != "BTC/USD" {
		t.Fatalf("descriptor order does not match configuration: %+v", descs)
	}
}
