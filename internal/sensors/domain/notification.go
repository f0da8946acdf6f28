package sensors

import "time"

// DefaultCooldown is the minimum spacing between notifications for one sensor and category.
const DefaultCooldown = 30 * time.Minute

// NotificationRecord is a successful alert delivery.
type NotificationRecord struct {
	ID         string    `json:"id"`
	SensorID   string    `json:"sensor_id"`
	Category   Category  `json:"category"`
	Status     Status    `json:"status"`
	StintStart time.Time `json:"stint_start"`
	NotifiedAt time.Time `json:"notified_at"`
	Recipients int       `json:"recipients"`
}

// Reservation is a claim on the next notification slot for a sensor and category.
type Reservation struct {
	Token     string
	SensorID  string
	Category  Category
	ClaimedAt time.Time
}

// RecordFilter narrows ledger queries.
type RecordFilter struct {
	SensorID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Alert is the content of a notification handed to the renderer and transport.
type Alert struct {
	Sensor     SensorState
	Category   Category
	Status     Status
	StintStart time.Time
	DetectedAt time.Time
	Recipients []Recipient
}
