package sensors

import (
	"math"
	"time"
)

// DefaultOfflineThreshold is the staleness cutoff after which a sensor is offline.
const DefaultOfflineThreshold = 30 * time.Minute

// Evaluate classifies a reading against its thresholds.
//
// Staleness is checked first and overrides everything else. A sensor that was never
// seen is offline. Missing limits yield unknown. Values outside [min, max] are alerts.
// When a warning percentage is configured, values inside the band of that size next
// to either limit are warnings.
func Evaluate(value *float64, thresholds Thresholds, lastSeenAt, now time.Time, offlineAfter time.Duration) Status {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineThreshold
	}
	if lastSeenAt.IsZero() || now.Sub(lastSeenAt) > offlineAfter {
		return StatusOffline
	}
	if value == nil || math.IsNaN(*value) {
		return StatusUnknown
	}
	if !thresholds.Complete() {
		return StatusUnknown
	}

	v := *value
	minLimit := *thresholds.MinLimit
	maxLimit := *thresholds.MaxLimit
	if v < minLimit || v > maxLimit {
		return StatusAlert
	}
	if thresholds.WarningPercent != nil {
		band := (maxLimit - minLimit) * *thresholds.WarningPercent / 100
		if v < minLimit+band || v > maxLimit-band {
			return StatusWarning
		}
	}
	return StatusOK
}

// EvaluateState applies Evaluate to a loaded sensor.
func EvaluateState(state SensorState, now time.Time, offlineAfter time.Duration) Status {
	return Evaluate(state.Value, state.Thresholds, state.LastSeenAt, now, offlineAfter)
}
