package postgres

import (
	"context"
	"database/sql"
	"errors"

	sensors "sensor-health/internal/sensors/domain"
)

// ThresholdRepository reads sensor thresholds.
type ThresholdRepository struct {
	db *sql.DB
}

// NewThresholdRepository constructs a repository.
func NewThresholdRepository(db *sql.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

// GetThresholds returns the configured limits or ErrNotFound.
func (r *ThresholdRepository) GetThresholds(ctx context.Context, sensorID string) (sensors.Thresholds, error) {
	if r == nil || r.db == nil {
		return sensors.Thresholds{}, errors.New("threshold repo: nil db")
	}
	var minLimit, maxLimit, warning sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT min_limit, max_limit, warning_percent
FROM sensor_thresholds
WHERE sensor_id = $1`, sensorID).Scan(&minLimit, &maxLimit, &warning)
	if errors.Is(err, sql.ErrNoRows) {
		return sensors.Thresholds{}, sensors.ErrNotFound
	}
	if err != nil {
		return sensors.Thresholds{}, err
	}
	return sensors.Thresholds{
		MinLimit:       floatPtr(minLimit),
		MaxLimit:       floatPtr(maxLimit),
		WarningPercent: floatPtr(warning),
	}, nil
}
