package sensors

import (
	"fmt"
	"math"
)

// Thresholds holds the per-sensor limits. Any field may be unset.
type Thresholds struct {
	MinLimit       *float64 `json:"min_limit,omitempty"`
	MaxLimit       *float64 `json:"max_limit,omitempty"`
	WarningPercent *float64 `json:"warning_percent,omitempty"`
}

// Complete reports whether both limits are configured.
func (t Thresholds) Complete() bool {
	return t.MinLimit != nil && t.MaxLimit != nil
}

// Validate rejects values that cannot be evaluated. Unset fields are valid.
func (t Thresholds) Validate() error {
	for name, v := range map[string]*float64{
		"min_limit":       t.MinLimit,
		"max_limit":       t.MaxLimit,
		"warning_percent": t.WarningPercent,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidThresholds, name)
		}
	}
	if t.Complete() && *t.MinLimit > *t.MaxLimit {
		return fmt.Errorf("%w: min_limit %.2f above max_limit %.2f", ErrInvalidThresholds, *t.MinLimit, *t.MaxLimit)
	}
	if t.WarningPercent != nil && (*t.WarningPercent < 0 || *t.WarningPercent > 50) {
		return fmt.Errorf("%w: warning_percent %.2f outside [0,50]", ErrInvalidThresholds, *t.WarningPercent)
	}
	return nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
