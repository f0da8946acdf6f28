package application

import (
	"context"
	"time"

	sensors "sensor-health/internal/sensors/domain"
)

// SensorStore lists sensors and persists evaluated statuses.
type SensorStore interface {
	ListSensors(ctx context.Context) ([]sensors.SensorState, error)
	GetSensor(ctx context.Context, id string) (*sensors.SensorState, error)
	UpdateStatus(ctx context.Context, id string, status sensors.Status, at time.Time) error
}

// ReadingStore loads the latest reading of a sensor. A sensor without readings yields ErrNotFound.
type ReadingStore interface {
	LatestReading(ctx context.Context, sensorID string) (*sensors.Reading, error)
}

// ThresholdStore loads sensor thresholds. A sensor without configuration yields ErrNotFound.
type ThresholdStore interface {
	GetThresholds(ctx context.Context, sensorID string) (sensors.Thresholds, error)
}

// NotificationLedger records deliveries and enforces the cooldown window.
//
// Reserve is the atomic form of ShouldNotify: it returns ErrLedgerConflict when a record
// exists inside the window or another dispatcher holds a live reservation. A reservation
// must be followed by Commit after a successful send or Release after a failed one.
type NotificationLedger interface {
	ShouldNotify(ctx context.Context, sensorID string, category sensors.Category, now time.Time) (bool, error)
	RecordNotification(ctx context.Context, record sensors.NotificationRecord) error
	Reserve(ctx context.Context, sensorID string, category sensors.Category, now time.Time) (sensors.Reservation, error)
	Commit(ctx context.Context, reservation sensors.Reservation, record sensors.NotificationRecord) error
	Release(ctx context.Context, reservation sensors.Reservation) error
}

// LedgerReader queries stored notification records.
type LedgerReader interface {
	ListRecords(ctx context.Context, filter sensors.RecordFilter) ([]sensors.NotificationRecord, error)
}

// AccessResolver answers who owns a sensor and who accepted alert sharing for it.
type AccessResolver interface {
	GetOwner(ctx context.Context, sensorID string) (*sensors.Recipient, error)
	ListAcceptedRecipients(ctx context.Context, sensorID string) ([]sensors.Recipient, error)
}

// EmailTransport delivers a rendered alert.
type EmailTransport interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// AlertRenderer turns an alert into subject and body.
type AlertRenderer interface {
	RenderAlert(alert sensors.Alert) (subject, body string, err error)
}

// StatusNotifier publishes persisted status transitions.
type StatusNotifier interface {
	NotifyStatusChange(ctx context.Context, change sensors.StatusChange)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
