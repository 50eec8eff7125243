package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"oraclewatch/internal/alerting"
	"oraclewatch/internal/config"
	"oraclewatch/internal/evaluator"
	"oraclewatch/internal/fetcher"
	"oraclewatch/internal/scheduler"
	"oraclewatch/internal/storage"
)

// Collection is the outcome of one refresh cycle before persistence:
// the evaluated rows plus per-feed fetch failure notes and raw
// reference payloads, all keyed by wrapper contract address.
type Collection struct {
	Rows              []evaluator.Row
	FetchErrors       map[string]string
	ReferencePayloads map[string]json.RawMessage
}

// Service orchestrates fetching, evaluation, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	rounds     fetcher.RoundReader
	reference  fetcher.ReferenceReader
	feeds      []evaluator.Descriptor
	store      storage.SnapshotStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	alertsOn    bool
	cooldown    time.Duration
	channels    []string
	parallelism int
	locker      storage.AdvisoryLocker
	lockKey     int64

	alertMux  sync.Mutex
	lastAlert map[string]time.Time
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, rounds fetcher.RoundReader, reference fetcher.ReferenceReader, store storage.SnapshotStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	parallelism := cfg.Scheduler.FetchParallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	return &Service{
		scheduler:   sched,
		rounds:      rounds,
		reference:   reference,
		feeds:       cfg.Descriptors(),
		store:       store,
		alertStore:  alertStore,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		alertsOn:    cfg.Alerting.Enabled,
		cooldown:    cfg.Alerting.Cooldown,
		channels:    cfg.Alerting.Channels,
		parallelism: parallelism,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		lastAlert:   make(map[string]time.Time),
	}
}

// Run begins the aligned refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if len(s.feeds) == 0 {
		return fmt.Errorf("no feeds configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// Collect runs one refresh cycle: fetch every feed's round and
// reference price concurrently, then evaluate. A feed whose fetch fails
// keeps its place in the table with the unavailable sentinel; its error
// is recorded per address instead of aborting the cycle.
func (s *Service) Collect(ctx context.Context) Collection {
	var (
		mux         sync.Mutex
		chainObs    = make(map[string]evaluator.OnChainObservation, len(s.feeds))
		refObs      = make(map[string]evaluator.ReferenceObservation, len(s.feeds))
		refPayloads = make(map[string]json.RawMessage, len(s.feeds))
		fetchErrs   = make(map[string]string, len(s.feeds))
	)

	noteErr := func(address, stage string, err error) {
		mux.Lock()
		defer mux.Unlock()
		msg := fmt.Sprintf("%s: %v", stage, err)
		if existing, ok := fetchErrs[address]; ok {
			msg = existing + "; " + msg
		}
		fetchErrs[address] = msg
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)

	for _, feed := range s.feeds {
		feed := feed

		group.Go(func() error {
			obs, err := s.rounds.FetchRound(groupCtx, feed.Address)
			if err != nil {
				s.logger.Warn().Err(err).Str("pair", feed.AssetPair).Msg("round fetch failed; using sentinel")
				noteErr(feed.Address, "round", err)
				return nil
			}
			mux.Lock()
			chainObs[feed.Address] = obs
			mux.Unlock()
			return nil
		})

		group.Go(func() error {
			obs, raw, err := s.reference.FetchReference(groupCtx, feed.FeedID)
			if err != nil {
				s.logger.Warn().Err(err).Str("pair", feed.AssetPair).Msg("reference fetch failed; using sentinel")
				noteErr(feed.Address, "reference", err)
				return nil
			}
			mux.Lock()
			refObs[feed.FeedID] = obs
			refPayloads[feed.Address] = raw
			mux.Unlock()
			return nil
		})
	}

	// Goroutines never return errors; failures degrade to sentinels.
	_ = group.Wait()

	rows := evaluator.Evaluate(s.feeds, chainObs, refObs, time.Now().UTC().Unix())

	return Collection{
		Rows:              rows,
		FetchErrors:       fetchErrs,
		ReferencePayloads: refPayloads,
	}
}

// ProcessBucket 执行单个时间桶的刷新逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	collection := s.Collect(ctx)

	stale := 0
	divergent := 0
	for _, row := range collection.Rows {
		if row.Staleness == evaluator.StalenessStale {
			stale++
		}
		if row.Divergence == evaluator.DivergenceDivergent {
			divergent++
		}

		if s.store != nil {
			snapshot := snapshotFromRow(bucket, row, collection)
			if err := s.store.UpsertFeedSnapshot(ctx, snapshot); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Str("pair", row.Descriptor.AssetPair).Msg("failed to upsert snapshot")
			}
		}

		s.maybeAlert(ctx, bucket, row)
	}

	s.logger.Info().Time("bucket", bucket).
		Int("feeds", len(collection.Rows)).
		Int("stale", stale).
		Int("divergent", divergent).
		Int("fetch_errors", len(collection.FetchErrors)).
		Msg("refresh cycle recorded")

	return nil
}

func snapshotFromRow(bucket time.Time, row evaluator.Row, collection Collection) storage.FeedSnapshot {
	snapshot := storage.FeedSnapshot{
		Bucket:             bucket,
		AssetPair:          row.Descriptor.AssetPair,
		Address:            row.Descriptor.Address,
		OnChainPrice:       decimal.NewFromFloat(row.OnChainPrice),
		ReferencePrice:     decimal.NewFromFloat(row.ReferencePrice),
		DivergenceRatio:    decimal.NewFromFloat(row.DivergenceRatio),
		MinutesSinceUpdate: decimal.NewFromFloat(row.MinutesSinceUpdate),
		Staleness:          string(row.Staleness),
		Divergence:         string(row.Divergence),
		ReferencePayload:   collection.ReferencePayloads[row.Descriptor.Address],
		Status:             "complete",
		CreatedAt:          time.Now().UTC(),
	}
	if msg, ok := collection.FetchErrors[row.Descriptor.Address]; ok {
		snapshot.Status = "degraded"
		snapshot.Error = &msg
	}
	return snapshot
}

func (s *Service) maybeAlert(ctx context.Context, bucket time.Time, row evaluator.Row) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	if row.Staleness != evaluator.StalenessStale && row.Divergence != evaluator.DivergenceDivergent {
		return
	}
	if !s.alertDue(row.Descriptor.Address) {
		s.logger.Debug().Str("pair", row.Descriptor.AssetPair).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Bucket:             bucket,
		AssetPair:          row.Descriptor.AssetPair,
		Address:            row.Descriptor.Address,
		OnChainPrice:       decimal.NewFromFloat(row.OnChainPrice),
		ReferencePrice:     decimal.NewFromFloat(row.ReferencePrice),
		DivergenceRatio:    decimal.NewFromFloat(row.DivergenceRatio),
		MinutesSinceUpdate: decimal.NewFromFloat(row.MinutesSinceUpdate),
		Staleness:          string(row.Staleness),
		Divergence:         string(row.Divergence),
		Channels:           s.channels,
	}

	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:           bucket,
			AssetPair:          row.Descriptor.AssetPair,
			Address:            row.Descriptor.Address,
			DivergenceRatio:    note.DivergenceRatio,
			MinutesSinceUpdate: note.MinutesSinceUpdate,
			Staleness:          note.Staleness,
			Divergence:         note.Divergence,
			Channels:           s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Str("pair", row.Descriptor.AssetPair).Msg("failed to persist alert record")
		}
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Str("pair", row.Descriptor.AssetPair).Msg("failed to dispatch alert")
	}
}

// alertDue tracks per-feed cooldown, keyed by wrapper address so one
// feed's alert cadence never interferes with another's.
func (s *Service) alertDue(address string) bool {
	s.alertMux.Lock()
	defer s.alertMux.Unlock()

	now := time.Now().UTC()
	if last, ok := s.lastAlert[address]; ok && s.cooldown > 0 {
		if now.Sub(last) < s.cooldown {
			return false
		}
	}
	s.lastAlert[address] = now
	return true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
