package auth

import (
	"context"
	"database/sql"
	"errors"

	sensors "sensor-health/internal/sensors/domain"
	sensorrepo "sensor-health/internal/sensors/infrastructure/postgres"
)

var (
	// ErrForbidden indicates the principal may not see the sensor.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrNotFound indicates the sensor does not exist.
	ErrNotFound = errors.New("auth: resource not found")
)

// SensorAccessChecker validates that a principal may see a sensor.
type SensorAccessChecker interface {
	EnsureSensorAccess(ctx context.Context, principalID, sensorID string) error
}

// SensorChecker checks ownership and accepted shares.
type SensorChecker struct {
	repo *sensorrepo.AccessRepository
}

// NewSensorChecker constructs a SensorChecker.
func NewSensorChecker(db *sql.DB) *SensorChecker {
	if db == nil {
		return nil
	}
	return &SensorChecker{repo: sensorrepo.NewAccessRepository(db)}
}

// EnsureSensorAccess verifies the principal owns the sensor or holds an accepted share.
func (c *SensorChecker) EnsureSensorAccess(ctx context.Context, principalID, sensorID string) error {
	if c == nil || c.repo == nil {
		return nil
	}
	if principalID == "" || sensorID == "" {
		return nil
	}
	allowed, err := c.repo.HasAccess(ctx, sensorID, principalID)
	if errors.Is(err, sensors.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}
