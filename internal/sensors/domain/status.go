package sensors

import (
	"fmt"
	"strings"
)

// Status is the health classification of a sensor.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusOK, StatusWarning, StatusAlert, StatusOffline:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// ParseStatus normalizes a stored status value. Empty input maps to unknown.
func ParseStatus(value string) (Status, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return StatusUnknown, nil
	}
	status := Status(value)
	if !status.Valid() {
		return StatusUnknown, fmt.Errorf("sensors: unknown status %q", value)
	}
	return status, nil
}

// Category groups notifications that share a cooldown window.
type Category string

const (
	CategoryValue   Category = "value"
	CategoryOffline Category = "offline"
)

// CategoryFor maps a notifiable status to its ledger category.
func CategoryFor(status Status) (Category, bool) {
	switch status {
	case StatusAlert:
		return CategoryValue, true
	case StatusOffline:
		return CategoryOffline, true
	default:
		return "", false
	}
}
