package application

import (
	"time"

	sensors "sensor-health/internal/sensors/domain"
)

// Detector applies the staleness policy: it owns the clock and the offline threshold.
type Detector struct {
	clock        Clock
	offlineAfter time.Duration
}

// NewDetector constructs a Detector. A nil clock uses wall time; a non-positive threshold uses the default.
func NewDetector(clock Clock, offlineAfter time.Duration) *Detector {
	if clock == nil {
		clock = systemClock{}
	}
	if offlineAfter <= 0 {
		offlineAfter = sensors.DefaultOfflineThreshold
	}
	return &Detector{clock: clock, offlineAfter: offlineAfter}
}

// Now returns the current time in UTC.
func (d *Detector) Now() time.Time {
	return d.clock.Now().UTC()
}

// OfflineAfter returns the configured staleness threshold.
func (d *Detector) OfflineAfter() time.Duration {
	return d.offlineAfter
}

// Stale reports whether a sensor last seen at lastSeenAt is offline at now.
func (d *Detector) Stale(lastSeenAt, now time.Time) bool {
	return lastSeenAt.IsZero() || now.Sub(lastSeenAt) > d.offlineAfter
}

// Evaluate classifies the sensor at now.
func (d *Detector) Evaluate(state sensors.SensorState, now time.Time) sensors.Status {
	return sensors.EvaluateState(state, now, d.offlineAfter)
}
