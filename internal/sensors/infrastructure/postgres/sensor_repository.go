package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sensors "sensor-health/internal/sensors/domain"
)

// SensorRepository reads sensors and writes evaluated statuses.
type SensorRepository struct {
	db *sql.DB
}

// NewSensorRepository constructs a repository.
func NewSensorRepository(db *sql.DB) *SensorRepository {
	return &SensorRepository{db: db}
}

const selectSensor = `
SELECT id, owner_id, name, unit, alerts_enabled, status, status_updated_at
FROM sensors`

// ListSensors returns every sensor ordered by id.
func (r *SensorRepository) ListSensors(ctx context.Context) ([]sensors.SensorState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, selectSensor+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sensors.SensorState
	for rows.Next() {
		state, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSensor fetches one sensor.
func (r *SensorRepository) GetSensor(ctx context.Context, id string) (*sensors.SensorState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sensor repo: nil db")
	}
	state, err := scanSensor(r.db.QueryRowContext(ctx, selectSensor+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sensors.ErrNotFound
	}
	return state, err
}

// UpdateStatus persists a status transition.
func (r *SensorRepository) UpdateStatus(ctx context.Context, id string, status sensors.Status, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("sensor repo: nil db")
	}
	if !status.Valid() {
		return errors.New("sensor repo: invalid status")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE sensors
SET status = $1, status_updated_at = $2
WHERE id = $3`, string(status), at.UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sensors.ErrNotFound
	}
	return nil
}

func scanSensor(row rowScanner) (*sensors.SensorState, error) {
	var state sensors.SensorState
	var status string
	var updatedAt sql.NullTime
	if err := row.Scan(
		&state.ID,
		&state.OwnerID,
		&state.Name,
		&state.Unit,
		&state.AlertsEnabled,
		&status,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := sensors.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	state.Status = parsed
	state.StatusUpdatedAt = timeOrZero(updatedAt)
	return &state, nil
}
