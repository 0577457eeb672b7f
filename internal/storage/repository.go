package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertAlarmSQL = `INSERT INTO alarms (
        id,
        owner_id,
        instrument,
        kind,
        threshold,
        direction,
        bound_pct,
        window_seconds,
        indicator,
        state,
        repeat,
        cooldown_seconds,
        last_fired,
        expires_at,
        fire_count,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (id) DO UPDATE
    SET
        state            = EXCLUDED.state,
        repeat           = EXCLUDED.repeat,
        cooldown_seconds = EXCLUDED.cooldown_seconds,
        last_fired       = EXCLUDED.last_fired,
        expires_at       = EXCLUDED.expires_at,
        fire_count       = EXCLUDED.fire_count;`

	deleteAlarmSQL = `DELETE FROM alarms WHERE id = $1;`

	listAlarmsSQL = `SELECT
        id,
        owner_id,
        instrument,
        kind,
        threshold,
        direction,
        bound_pct,
        window_seconds,
        indicator,
        state,
        repeat,
        cooldown_seconds,
        last_fired,
        expires_at,
        fire_count,
        created_at
    FROM alarms
    ORDER BY created_at;`

	upsertPriceSampleSQL = `INSERT INTO price_samples (
        instrument,
        sample_ts,
        price,
        volume
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (instrument, sample_ts) DO UPDATE
    SET price  = EXCLUDED.price,
        volume = EXCLUDED.volume;`

	listPriceSamplesSQL = `SELECT
        instrument,
        sample_ts,
        price,
        volume
    FROM price_samples
    WHERE instrument = $1
      AND sample_ts >= $2
      AND sample_ts < $3
    ORDER BY sample_ts;`

	insertNotificationSQL = `INSERT INTO notifications (
        id,
        alarm_id,
        owner_id,
        instrument,
        message,
        stale,
        delivered,
        generated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentNotificationsSQL = `SELECT
        id,
        alarm_id,
        owner_id,
        instrument,
        message,
        stale,
        delivered,
        generated_at,
        created_at
    FROM notifications
    ORDER BY generated_at DESC
    LIMIT $1;`

	listNotificationsSinceSQL = `SELECT
        id,
        alarm_id,
        owner_id,
        instrument,
        message,
        stale,
        delivered,
        generated_at,
        created_at
    FROM notifications
    WHERE generated_at >= $1
    ORDER BY generated_at;`

	deleteNotificationsBeforeSQL = `DELETE FROM notifications WHERE generated_at < $1;`

	insertTradeSQL = `INSERT INTO trades (
        owner_id,
        instrument,
        side,
        quantity,
        price,
        executed_at,
        note
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id;`

	listTradesSQL = `SELECT
        id,
        owner_id,
        instrument,
        side,
        quantity,
        price,
        executed_at,
        note
    FROM trades
    WHERE owner_id = $1
    ORDER BY executed_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlarmRepository persists alarm definitions and firing state.
type AlarmRepository interface {
	SaveAlarm(ctx context.Context, a model.Alarm) error
	DeleteAlarm(ctx context.Context, id uuid.UUID) error
	ListAlarms(ctx context.Context) ([]model.Alarm, error)
}

// SampleStore persists price observations for export.
type SampleStore interface {
	UpsertPriceSamples(ctx context.Context, series model.Series) error
	ListPriceSamples(ctx context.Context, instrument model.Instrument, from, to time.Time) (model.Series, error)
}

// NotificationLog records delivery attempts.
type NotificationLog interface {
	InsertNotification(ctx context.Context, rec NotificationRecord) error
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	ListNotificationsSince(ctx context.Context, since time.Time) ([]NotificationRecord, error)
	DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) error
}

// TradeLedger records portfolio trades.
type TradeLedger interface {
	InsertTrade(ctx context.Context, t Trade) (Trade, error)
	ListTrades(ctx context.Context, owner string) ([]Trade, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates Postgres access for alarms, samples, notifications and
// trades.
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

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
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

// SaveAlarm persists or updates an alarm.
func (s *Store) SaveAlarm(ctx context.Context, a model.Alarm) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var threshold interface{}
	if !a.Condition.Threshold.IsZero() {
		threshold = a.Condition.Threshold.String()
	}
	var direction interface{}
	if a.Condition.Direction != "" {
		direction = string(a.Condition.Direction)
	}
	var boundPct interface{}
	if a.Condition.BoundPct != 0 {
		boundPct = a.Condition.BoundPct
	}
	var windowSeconds interface{}
	if a.Condition.Window > 0 {
		windowSeconds = int64(a.Condition.Window / time.Second)
	}
	var indicatorName interface{}
	if a.Condition.Indicator != "" {
		indicatorName = a.Condition.Indicator
	}

	_, execErr := pool.Exec(ctx, upsertAlarmSQL,
		a.ID,
		a.Owner,
		string(a.Instrument),
		string(a.Condition.Kind),
		threshold,
		direction,
		boundPct,
		windowSeconds,
		indicatorName,
		string(a.State),
		a.Repeat,
		int64(a.Cooldown/time.Second),
		a.LastFired,
		a.ExpiresAt,
		a.FireCount,
		a.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert alarm: %w", execErr)
	}
	return nil
}

// DeleteAlarm removes a persisted alarm.
func (s *Store) DeleteAlarm(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlarmSQL, id); execErr != nil {
		return fmt.Errorf("delete alarm: %w", execErr)
	}
	return nil
}

// ListAlarms loads every persisted alarm, used to restore the registry at
// startup.
func (s *Store) ListAlarms(ctx context.Context) ([]model.Alarm, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlarmsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list alarms: %w", queryErr)
	}
	defer rows.Close()

	alarms := make([]model.Alarm, 0)
	for rows.Next() {
		a, scanErr := scanAlarm(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alarms = append(alarms, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alarms, nil
}

// UpsertPriceSamples persists a price series batch.
func (s *Store) UpsertPriceSamples(ctx context.Context, series model.Series) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range series {
		sample := sampleFromPoint(p)
		batch.Queue(upsertPriceSampleSQL,
			string(sample.Instrument),
			sample.Timestamp,
			sample.Price.String(),
			sample.Volume.String(),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range series {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert price sample: %w", execErr)
		}
	}
	return nil
}

// ListPriceSamples lists samples for one instrument within a time window.
func (s *Store) ListPriceSamples(ctx context.Context, instrument model.Instrument, from, to time.Time) (model.Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceSamplesSQL, string(instrument), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples: %w", queryErr)
	}
	defer rows.Close()

	series := make(model.Series, 0)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		series = append(series, sample.toPoint())
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return series, nil
}

// InsertNotification records a delivery attempt.
func (s *Store) InsertNotification(ctx context.Context, rec NotificationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertNotificationSQL,
		rec.ID,
		rec.AlarmID,
		rec.Owner,
		rec.Instrument,
		rec.Message,
		rec.Stale,
		rec.Delivered,
		rec.GeneratedAt,
	); execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// ListRecentNotifications lists the most recent notification records.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows, limit)
}

// ListNotificationsSince lists records generated at or after since.
func (s *Store) ListNotificationsSince(ctx context.Context, since time.Time) ([]NotificationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listNotificationsSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list notifications since: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows, 0)
}

// DeleteNotificationsBefore prunes historical notification records.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteNotificationsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete notifications before: %w", execErr)
	}
	return nil
}

// InsertTrade records a portfolio ledger entry.
func (s *Store) InsertTrade(ctx context.Context, t Trade) (Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return Trade{}, err
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		t.Owner,
		string(t.Instrument),
		t.Side,
		t.Quantity.String(),
		t.Price.String(),
		t.ExecutedAt,
		t.Note,
	)
	if scanErr := row.Scan(&t.ID); scanErr != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", scanErr)
	}
	return t, nil
}

// ListTrades lists one owner's trades ordered by execution time.
func (s *Store) ListTrades(ctx context.Context, owner string) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesSQL, owner)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		var (
			t           Trade
			instrument  string
			quantityStr string
			priceStr    string
		)
		if err := rows.Scan(
			&t.ID,
			&t.Owner,
			&instrument,
			&t.Side,
			&quantityStr,
			&priceStr,
			&t.ExecutedAt,
			&t.Note,
		); err != nil {
			return nil, err
		}
		t.Instrument = model.Instrument(instrument)

		var convErr error
		t.Quantity, convErr = decimal.NewFromString(quantityStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade quantity: %w", convErr)
		}
		t.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade price: %w", convErr)
		}

		trades = append(trades, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func collectNotifications(rows pgx.Rows, sizeHint int) ([]NotificationRecord, error) {
	records := make([]NotificationRecord, 0, sizeHint)
	for rows.Next() {
		var (
			rec        NotificationRecord
			instrument string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AlarmID,
			&rec.Owner,
			&instrument,
			&rec.Message,
			&rec.Stale,
			&rec.Delivered,
			&rec.GeneratedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Instrument = instrument
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		instrument string
		ts         time.Time
		priceStr   string
		volumeStr  string
	)
	if err := rows.Scan(&instrument, &ts, &priceStr, &volumeStr); err != nil {
		return PriceSample{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse sample price: %w", err)
	}
	volume, err := decimal.NewFromString(volumeStr)
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse sample volume: %w", err)
	}

	return PriceSample{
		Instrument: model.Instrument(instrument),
		Timestamp:  ts,
		Price:      price,
		Volume:     volume,
	}, nil
}

func scanAlarm(rows pgx.Rows) (model.Alarm, error) {
	var (
		a             model.Alarm
		instrument    string
		kind          string
		thresholdStr  sql.NullString
		direction     sql.NullString
		boundPct      sql.NullFloat64
		windowSeconds sql.NullInt64
		indicatorName sql.NullString
		state         string
		cooldownSecs  int64
		lastFired     sql.NullTime
		expiresAt     sql.NullTime
	)

	if err := rows.Scan(
		&a.ID,
		&a.Owner,
		&instrument,
		&kind,
		&thresholdStr,
		&direction,
		&boundPct,
		&windowSeconds,
		&indicatorName,
		&state,
		&a.Repeat,
		&cooldownSecs,
		&lastFired,
		&expiresAt,
		&a.FireCount,
		&a.CreatedAt,
	); err != nil {
		return model.Alarm{}, err
	}

	a.Instrument = model.Instrument(instrument)
	a.State = model.AlarmState(state)
	a.Cooldown = time.Duration(cooldownSecs) * time.Second
	a.Condition.Kind = model.ConditionKind(kind)

	if thresholdStr.Valid {
		threshold, err := decimal.NewFromString(thresholdStr.String)
		if err != nil {
			return model.Alarm{}, fmt.Errorf("parse alarm threshold: %w", err)
		}
		a.Condition.Threshold = threshold
	}
	if direction.Valid {
		a.Condition.Direction = model.Direction(direction.String)
	}
	if boundPct.Valid {
		a.Condition.BoundPct = boundPct.Float64
	}
	if windowSeconds.Valid {
		a.Condition.Window = time.Duration(windowSeconds.Int64) * time.Second
	}
	if indicatorName.Valid {
		a.Condition.Indicator = indicatorName.String
	}
	if lastFired.Valid {
		t := lastFired.Time
		a.LastFired = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}

	return a, nil
}
