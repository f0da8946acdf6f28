package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"

	sensors "sensor-health/internal/sensors/domain"
)

// ReadingRepository reads the latest reading per sensor maintained by ingestion.
type ReadingRepository struct {
	db *sql.DB
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// LatestReading returns the most recent reading or ErrNotFound.
func (r *ReadingRepository) LatestReading(ctx context.Context, sensorID string) (*sensors.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	var value sql.NullFloat64
	reading := sensors.Reading{SensorID: sensorID}
	err := r.db.QueryRowContext(ctx, `
SELECT value, recorded_at
FROM sensor_latest_readings
WHERE sensor_id = $1`, sensorID).Scan(&value, &reading.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sensors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if value.Valid && !math.IsNaN(value.Float64) && !math.IsInf(value.Float64, 0) {
		reading.Value = floatPtr(value)
	}
	reading.RecordedAt = reading.RecordedAt.UTC()
	return &reading, nil
}
