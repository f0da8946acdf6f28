package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	sensors "sensor-health/internal/sensors/domain"
)

const defaultReservationTTL = 5 * time.Minute

// LedgerRepository is a Postgres notification ledger.
//
// notification_heads holds one row per (sensor, category) with the last delivery time and an
// optional claim. Claims are taken with a guarded upsert so only one dispatcher wins per window.
type LedgerRepository struct {
	db             *sql.DB
	cooldown       time.Duration
	reservationTTL time.Duration
}

// LedgerOption configures the repository.
type LedgerOption func(*LedgerRepository)

// WithCooldown overrides the cooldown window.
func WithCooldown(cooldown time.Duration) LedgerOption {
	return func(r *LedgerRepository) {
		if cooldown > 0 {
			r.cooldown = cooldown
		}
	}
}

// WithReservationTTL overrides how long an uncommitted claim blocks other dispatchers.
func WithReservationTTL(ttl time.Duration) LedgerOption {
	return func(r *LedgerRepository) {
		if ttl > 0 {
			r.reservationTTL = ttl
		}
	}
}

// NewLedgerRepository constructs a ledger.
func NewLedgerRepository(db *sql.DB, opts ...LedgerOption) *LedgerRepository {
	r := &LedgerRepository{db: db, cooldown: sensors.DefaultCooldown, reservationTTL: defaultReservationTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ShouldNotify reports whether no delivery exists inside the cooldown window.
func (r *LedgerRepository) ShouldNotify(ctx context.Context, sensorID string, category sensors.Category, now time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("ledger repo: nil db")
	}
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
SELECT last_notified_at
FROM notification_heads
WHERE sensor_id = $1 AND category = $2`, sensorID, string(category)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !last.Valid {
		return true, nil
	}
	return now.UTC().Sub(last.Time) >= r.cooldown, nil
}

// RecordNotification appends a record and advances the head unless the window is still open.
func (r *LedgerRepository) RecordNotification(ctx context.Context, record sensors.NotificationRecord) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	if record.SensorID == "" || record.Category == "" {
		return errors.New("ledger repo: sensor id and category required")
	}
	notifiedAt := record.NotifiedAt.UTC()
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var sensorID string
		err := tx.QueryRowContext(ctx, `
INSERT INTO notification_heads (sensor_id, category, last_notified_at)
VALUES ($1, $2, $3)
ON CONFLICT (sensor_id, category) DO UPDATE
SET last_notified_at = EXCLUDED.last_notified_at, claim_token = NULL, claimed_at = NULL
WHERE notification_heads.last_notified_at IS NULL OR notification_heads.last_notified_at <= $4
RETURNING sensor_id`,
			record.SensorID, string(record.Category), notifiedAt, notifiedAt.Add(-r.cooldown)).Scan(&sensorID)
		if errors.Is(err, sql.ErrNoRows) {
			return sensors.ErrLedgerConflict
		}
		if err != nil {
			return err
		}
		return insertRecord(ctx, tx, record)
	})
}

// Reserve claims the next delivery slot for the sensor and category.
func (r *LedgerRepository) Reserve(ctx context.Context, sensorID string, category sensors.Category, now time.Time) (sensors.Reservation, error) {
	if r == nil || r.db == nil {
		return sensors.Reservation{}, errors.New("ledger repo: nil db")
	}
	now = now.UTC()
	token := uuid.NewString()
	var claimed string
	err := r.db.QueryRowContext(ctx, `
INSERT INTO notification_heads (sensor_id, category, claim_token, claimed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sensor_id, category) DO UPDATE
SET claim_token = EXCLUDED.claim_token, claimed_at = EXCLUDED.claimed_at
WHERE (notification_heads.last_notified_at IS NULL OR notification_heads.last_notified_at <= $5)
	AND (notification_heads.claim_token IS NULL OR notification_heads.claimed_at <= $6)
RETURNING claim_token`,
		sensorID, string(category), token, now, now.Add(-r.cooldown), now.Add(-r.reservationTTL)).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return sensors.Reservation{}, sensors.ErrLedgerConflict
	}
	if err != nil {
		return sensors.Reservation{}, err
	}
	return sensors.Reservation{Token: claimed, SensorID: sensorID, Category: category, ClaimedAt: now}, nil
}

// Commit records the delivery and clears the claim atomically.
func (r *LedgerRepository) Commit(ctx context.Context, reservation sensors.Reservation, record sensors.NotificationRecord) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	record.SensorID = reservation.SensorID
	record.Category = reservation.Category
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE notification_heads
SET last_notified_at = $1, claim_token = NULL, claimed_at = NULL
WHERE sensor_id = $2 AND category = $3 AND claim_token = $4`,
			record.NotifiedAt.UTC(), reservation.SensorID, string(reservation.Category), reservation.Token)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sensors.ErrLedgerConflict
		}
		return insertRecord(ctx, tx, record)
	})
}

// Release drops a claim without recording a delivery.
func (r *LedgerRepository) Release(ctx context.Context, reservation sensors.Reservation) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE notification_heads
SET claim_token = NULL, claimed_at = NULL
WHERE sensor_id = $1 AND category = $2 AND claim_token = $3`,
		reservation.SensorID, string(reservation.Category), reservation.Token)
	return err
}

// ListRecords returns matching records, newest first.
func (r *LedgerRepository) ListRecords(ctx context.Context, filter sensors.RecordFilter) ([]sensors.NotificationRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	query := `
SELECT id, sensor_id, category, status, stint_start, notified_at, recipients
FROM notification_records`
	var (
		conds []string
		args  []any
	)
	if filter.SensorID != "" {
		args = append(args, filter.SensorID)
		conds = append(conds, fmt.Sprintf("sensor_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		conds = append(conds, fmt.Sprintf("notified_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		conds = append(conds, fmt.Sprintf("notified_at < $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	query += "\nORDER BY notified_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sensors.NotificationRecord
	for rows.Next() {
		var record sensors.NotificationRecord
		var category, status string
		if err := rows.Scan(&record.ID, &record.SensorID, &category, &status, &record.StintStart, &record.NotifiedAt, &record.Recipients); err != nil {
			return nil, err
		}
		record.Category = sensors.Category(category)
		if record.Status, err = sensors.ParseStatus(status); err != nil {
			return nil, err
		}
		record.StintStart = record.StintStart.UTC()
		record.NotifiedAt = record.NotifiedAt.UTC()
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *LedgerRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, tx *sql.Tx, record sensors.NotificationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	stintStart := record.StintStart
	if stintStart.IsZero() {
		stintStart = record.NotifiedAt
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO notification_records (id, sensor_id, category, status, stint_start, notified_at, recipients)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.SensorID, string(record.Category), string(record.Status),
		stintStart.UTC(), record.NotifiedAt.UTC(), record.Recipients)
	return err
}
