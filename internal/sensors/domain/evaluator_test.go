package sensors

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func bandThresholds() Thresholds {
	return Thresholds{MinLimit: Float(32), MaxLimit: Float(40), WarningPercent: Float(10)}
}

func TestEvaluateScenarios(t *testing.T) {
	fresh := evalNow.Add(-time.Minute)
	cases := []struct {
		name       string
		value      *float64
		thresholds Thresholds
		lastSeen   time.Time
		want       Status
	}{
		{name: "inside band", value: Float(36), thresholds: bandThresholds(), lastSeen: fresh, want: StatusOK},
		{name: "upper warning band", value: Float(39.5), thresholds: bandThresholds(), lastSeen: fresh, want: StatusWarning},
		{name: "lower warning band", value: Float(32.5), thresholds: bandThresholds(), lastSeen: fresh, want: StatusWarning},
		{name: "band edge is ok", value: Float(39.2), thresholds: bandThresholds(), lastSeen: fresh, want: StatusOK},
		{name: "limit itself is warning", value: Float(40), thresholds: bandThresholds(), lastSeen: fresh, want: StatusWarning},
		{name: "above max", value: Float(45), thresholds: bandThresholds(), lastSeen: fresh, want: StatusAlert},
		{name: "below min", value: Float(10), thresholds: bandThresholds(), lastSeen: fresh, want: StatusAlert},
		{name: "stale overrides value", value: Float(36), thresholds: bandThresholds(), lastSeen: evalNow.Add(-40 * time.Minute), want: StatusOffline},
		{name: "stale overrides alert", value: Float(99), thresholds: bandThresholds(), lastSeen: evalNow.Add(-40 * time.Minute), want: StatusOffline},
		{name: "never seen", value: nil, thresholds: bandThresholds(), want: StatusOffline},
		{name: "missing value", value: nil, thresholds: bandThresholds(), lastSeen: fresh, want: StatusUnknown},
		{name: "missing max", value: Float(36), thresholds: Thresholds{MinLimit: Float(32)}, lastSeen: fresh, want: StatusUnknown},
		{name: "no thresholds", value: Float(36), lastSeen: fresh, want: StatusUnknown},
		{name: "no warning tier", value: Float(39.9), thresholds: Thresholds{MinLimit: Float(32), MaxLimit: Float(40)}, lastSeen: fresh, want: StatusOK},
		{name: "nan value", value: Float(math.NaN()), thresholds: bandThresholds(), lastSeen: fresh, want: StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.value, tc.thresholds, tc.lastSeen, evalNow, DefaultOfflineThreshold)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateOfflineBoundary(t *testing.T) {
	th := bandThresholds()
	assert.Equal(t, StatusOK, Evaluate(Float(36), th, evalNow.Add(-30*time.Minute), evalNow, 30*time.Minute))
	assert.Equal(t, StatusOffline, Evaluate(Float(36), th, evalNow.Add(-30*time.Minute-time.Second), evalNow, 30*time.Minute))
	// zero threshold falls back to the default
	assert.Equal(t, StatusOK, Evaluate(Float(36), th, evalNow.Add(-29*time.Minute), evalNow, 0))
}

func TestEvaluateOKAcrossBand(t *testing.T) {
	th := bandThresholds()
	for v := 32.8; v <= 39.2; v += 0.1 {
		value := math.Round(v*10) / 10
		if got := Evaluate(Float(value), th, evalNow, evalNow, DefaultOfflineThreshold); got != StatusOK {
			t.Fatalf("expected ok for %.1f, got %s", value, got)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, bandThresholds().Validate())
	require.NoError(t, Thresholds{}.Validate())

	err := Thresholds{MinLimit: Float(50), MaxLimit: Float(40)}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidThresholds))

	err = Thresholds{MinLimit: Float(math.Inf(1)), MaxLimit: Float(40)}.Validate()
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	err = Thresholds{MinLimit: Float(1), MaxLimit: Float(2), WarningPercent: Float(75)}.Validate()
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Alert ")
	require.NoError(t, err)
	assert.Equal(t, StatusAlert, status)

	status, err = ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)

	_, err = ParseStatus("broken")
	assert.Error(t, err)
}

func TestCategoryFor(t *testing.T) {
	cat, ok := CategoryFor(StatusAlert)
	assert.True(t, ok)
	assert.Equal(t, CategoryValue, cat)

	cat, ok = CategoryFor(StatusOffline)
	assert.True(t, ok)
	assert.Equal(t, CategoryOffline, cat)

	_, ok = CategoryFor(StatusWarning)
	assert.False(t, ok)
}

func TestStoreErrorUnwrap(t *testing.T) {
	err := &StoreError{Op: "load reading", SensorID: "s-1", Err: ErrNotFound}
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsStoreError(err))
	assert.Contains(t, err.Error(), "s-1")
}
