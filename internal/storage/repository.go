package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertFeedSnapshotSQL = `INSERT INTO feed_snapshots (
        bucket_ts,
        asset_pair,
        address,
        onchain_price,
        reference_price,
        divergence_ratio,
        minutes_since_update,
        staleness,
        divergence,
        reference_payload,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (bucket_ts, address) DO UPDATE
    SET
        asset_pair           = EXCLUDED.asset_pair,
        onchain_price        = EXCLUDED.onchain_price,
        reference_price      = EXCLUDED.reference_price,
        divergence_ratio     = EXCLUDED.divergence_ratio,
        minutes_since_update = EXCLUDED.minutes_since_update,
        staleness            = EXCLUDED.staleness,
        divergence           = EXCLUDED.divergence,
        reference_payload    = EXCLUDED.reference_payload,
        status               = EXCLUDED.status,
        error                = EXCLUDED.error;`

	listSnapshotsBetweenSQL = `SELECT
        bucket_ts,
        asset_pair,
        address,
        onchain_price,
        reference_price,
        divergence_ratio,
        minutes_since_update,
        staleness,
        divergence,
        reference_payload,
        status,
        error,
        created_at
    FROM feed_snapshots
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, asset_pair;`

	listRecentSnapshotsSQL = `SELECT
        bucket_ts,
        asset_pair,
        address,
        onchain_price,
        reference_price,
        divergence_ratio,
        minutes_since_update,
        staleness,
        divergence,
        reference_payload,
        status,
        error,
        created_at
    FROM feed_snapshots
    ORDER BY bucket_ts DESC, asset_pair
    LIMIT $1;`

	markSnapshotErroredSQL = `UPDATE feed_snapshots
    SET status = 'errored', error = $3
    WHERE bucket_ts = $1 AND address = $2;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM feed_snapshots;`

	insertAlertSQL = `INSERT INTO feed_alerts (
        sample_ts,
        asset_pair,
        address,
        divergence_ratio,
        minutes_since_update,
        staleness,
        divergence,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (sample_ts, address) DO UPDATE
    SET divergence_ratio     = EXCLUDED.divergence_ratio,
        minutes_since_update = EXCLUDED.minutes_since_update,
        staleness            = EXCLUDED.staleness,
        divergence           = EXCLUDED.divergence,
        channels             = EXCLUDED.channels
    RETURNING id, sample_ts, asset_pair, address, divergence_ratio, minutes_since_update, staleness, divergence, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        asset_pair,
        address,
        divergence_ratio,
        minutes_since_update,
        staleness,
        divergence,
        channels,
        created_at
    FROM feed_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM feed_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for feed snapshot persistence.
type SnapshotStore interface {
	UpsertFeedSnapshot(ctx context.Context, snapshot FeedSnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]FeedSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]FeedSnapshot, error)
	MarkSnapshotErrored(ctx context.Context, bucket time.Time, address, errMsg string) error
	CountSnapshots(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to feed snapshots and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertFeedSnapshot persists or updates one feed's evaluation for a bucket.
func (s *Store) UpsertFeedSnapshot(ctx context.Context, snapshot FeedSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if snapshot.Error != nil {
		errMsg = *snapshot.Error
	}

	_, execErr := pool.Exec(ctx, upsertFeedSnapshotSQL,
		snapshot.Bucket,
		snapshot.AssetPair,
		snapshot.Address,
		snapshot.OnChainPrice.String(),
		snapshot.ReferencePrice.String(),
		snapshot.DivergenceRatio.String(),
		snapshot.MinutesSinceUpdate.String(),
		snapshot.Staleness,
		snapshot.Divergence,
		[]byte(snapshot.ReferencePayload),
		snapshot.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert feed snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]FeedSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]FeedSnapshot, 0)
	for rows.Next() {
		snapshot, scanErr := scanFeedSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending bucket.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]FeedSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]FeedSnapshot, 0, limit)
	for rows.Next() {
		snapshot, scanErr := scanFeedSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// MarkSnapshotErrored marks one feed's snapshot as errored.
func (s *Store) MarkSnapshotErrored(ctx context.Context, bucket time.Time, address, errMsg string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markSnapshotErroredSQL, bucket, address, errMsg)
	if execErr != nil {
		return fmt.Errorf("mark snapshot errored: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.AssetPair,
		alert.Address,
		alert.DivergenceRatio.String(),
		alert.MinutesSinceUpdate.String(),
		alert.Staleness,
		alert.Divergence,
		alert.Channels,
	)

	rec, scanErr := scanAlertRecord(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanFeedSnapshot(rows pgx.Rows) (FeedSnapshot, error) {
	var (
		bucket           time.Time
		assetPair        string
		address          string
		onChainStr       string
		referenceStr     string
		ratioStr         string
		minutesStr       string
		staleness        string
		divergence       string
		referencePayload json.RawMessage
		status           string
		errMsg           sql.NullString
		createdAt        time.Time
	)

	if err := rows.Scan(
		&bucket,
		&assetPair,
		&address,
		&onChainStr,
		&referenceStr,
		&ratioStr,
		&minutesStr,
		&staleness,
		&divergence,
		&referencePayload,
		&status,
		&errMsg,
		&createdAt,
	); err != nil {
		return FeedSnapshot{}, err
	}

	onChain, err := decimal.NewFromString(onChainStr)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse onchain price: %w", err)
	}
	reference, err := decimal.NewFromString(referenceStr)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse reference price: %w", err)
	}
	ratio, err := decimal.NewFromString(ratioStr)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse divergence ratio: %w", err)
	}
	minutes, err := decimal.NewFromString(minutesStr)
	if err != nil {
		return FeedSnapshot{}, fmt.Errorf("parse minutes since update: %w", err)
	}

	snapshot := FeedSnapshot{
		Bucket:             bucket,
		AssetPair:          assetPair,
		Address:            address,
		OnChainPrice:       onChain,
		ReferencePrice:     reference,
		DivergenceRatio:    ratio,
		MinutesSinceUpdate: minutes,
		Staleness:          staleness,
		Divergence:         divergence,
		ReferencePayload:   referencePayload,
		Status:             status,
		CreatedAt:          createdAt,
	}

	if errMsg.Valid {
		msg := errMsg.String
		snapshot.Error = &msg
	}

	return snapshot, nil
}

func scanAlertRecord(row pgx.Row) (AlertRecord, error) {
	var (
		rec        AlertRecord
		ratioStr   string
		minutesStr string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&rec.AssetPair,
		&rec.Address,
		&ratioStr,
		&minutesStr,
		&rec.Staleness,
		&rec.Divergence,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.DivergenceRatio, convErr = decimal.NewFromString(ratioStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse divergence ratio: %w", convErr)
	}
	rec.MinutesSinceUpdate, convErr = decimal.NewFromString(minutesStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse minutes since update: %w", convErr)
	}

	return rec, nil
}
