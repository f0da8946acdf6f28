package sensors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing sensor.
	ErrNotFound = errors.New("sensors: not found")
	// ErrStoreUnavailable marks failures that make a whole run meaningless.
	ErrStoreUnavailable = errors.New("sensors: store unavailable")
	// ErrLedgerConflict is returned when another dispatcher already holds or used the window.
	ErrLedgerConflict = errors.New("sensors: notification ledger conflict")
	// ErrInvalidThresholds rejects thresholds that cannot be evaluated.
	ErrInvalidThresholds = errors.New("sensors: invalid thresholds")
	// ErrNoRecipients indicates nobody opted in to alerts for a sensor.
	ErrNoRecipients = errors.New("sensors: no recipients")
)

// StoreError wraps a failed read or write for a single sensor.
type StoreError struct {
	Op       string
	SensorID string
	Err      error
}

func (e *StoreError) Error() string {
	if e.SensorID == "" {
		return fmt.Sprintf("sensors: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sensors: %s %s: %v", e.Op, e.SensorID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// DispatchError wraps a failed delivery.
type DispatchError struct {
	SensorID   string
	Category   Category
	Recipients int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("sensors: dispatch %s/%s to %d recipients: %v", e.SensorID, e.Category, e.Recipients, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is a per-sensor store failure.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}
