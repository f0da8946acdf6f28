package sensors

import "time"

// SensorState is the evaluation view of a sensor: identity, latest reading and current status.
type SensorState struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	Unit            string     `json:"unit"`
	Value           *float64   `json:"value,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at,omitempty"`
	Thresholds      Thresholds `json:"thresholds"`
	Status          Status     `json:"status"`
	StatusUpdatedAt time.Time  `json:"status_updated_at,omitempty"`
	AlertsEnabled   bool       `json:"alerts_enabled"`
}

// DisplayName falls back to the id when the sensor has no name.
func (s SensorState) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Reading is the latest value reported for a sensor.
type Reading struct {
	SensorID   string
	Value      *float64
	RecordedAt time.Time
}

// StatusChange is published whenever a persisted status differs from the previous one.
type StatusChange struct {
	SensorID   string    `json:"sensor_id"`
	SensorName string    `json:"sensor_name"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Value      *float64  `json:"value,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	At         time.Time `json:"at"`
}
