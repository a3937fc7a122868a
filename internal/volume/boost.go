package volume

import (
	"fmt"
	"math"
	"strings"
)

const (
	// BoostIncrement is the percent added per whole speed step
	BoostIncrement = 5

	// MaxBoost caps the total boost in percent
	MaxBoost = 20
)

// Sensitivity selects how much speed is needed per boost increment
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "low"  // 30 km/h per increment
	SensitivityMid  Sensitivity = "mid"  // 20 km/h per increment
	SensitivityHigh Sensitivity = "high" // 10 km/h per increment
)

// ParseSensitivity parses a sensitivity name, case-insensitively
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case SensitivityLow:
		return SensitivityLow, nil
	case SensitivityMid:
		return SensitivityMid, nil
	case SensitivityHigh:
		return SensitivityHigh, nil
	}
	return "", fmt.Errorf("unknown sensitivity %q (want low, mid or high)", s)
}

// Valid reports whether s is one of the known sensitivities
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMid, SensitivityHigh:
		return true
	}
	return false
}

// SpeedPerBoostStep returns the km/h needed for one boost increment.
// It panics on an unknown sensitivity.
func (s Sensitivity) SpeedPerBoostStep() float64 {
	switch s {
	case SensitivityLow:
		return 30
	case SensitivityMid:
		return 20
	case SensitivityHigh:
		return 10
	}
	panic(fmt.Sprintf("volume: unknown sensitivity %q", string(s)))
}

// CalculateBoost returns the boost in percent for a speed in km/h.
//
// The speed is truncated to whole increments, so exactly 20 km/h at mid
// sensitivity already yields one increment. Negative, NaN and infinite
// speeds give no boost.
func CalculateBoost(speedKmh float64, sensitivity Sensitivity) int {
	perStep := sensitivity.SpeedPerBoostStep()

	if math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) || speedKmh <= 0 {
		return 0
	}

	steps := math.Floor(speedKmh / perStep)
	if steps*BoostIncrement >= MaxBoost {
		return MaxBoost
	}

	return clampInt(int(steps)*BoostIncrement, 0, MaxBoost)
}

// ApplyBoost adds boost to a base percent, clamped to [0, 100]
func ApplyBoost(basePercent, boost int) int {
	return clampInt(basePercent+boost, MinPercent, MaxPercent)
}

// Settings is the explicit configuration passed into the volume core.
// It is loaded and owned by the settings store.
type Settings struct {
	Curve       Curve       `json:"curve" yaml:"curve"`
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	AutoBoost   bool        `json:"auto_boost" yaml:"auto_boost"`

	// SavedStep is the step muting replaced; 0 means none was saved
	SavedStep int `json:"saved_step,omitempty" yaml:"saved_step,omitempty"`
}

// UnmuteStep returns the step to restore when unmuting, the middle of the
// scale if none was saved
func (s Settings) UnmuteStep() int {
	if s.SavedStep > 0 {
		return s.SavedStep
	}
	return s.Curve.MaxSteps / 2
}

// DefaultSettings returns the out-of-the-box settings
func DefaultSettings() Settings {
	return Settings{
		Curve:       DefaultCurve(),
		Sensitivity: SensitivityMid,
	}
}

// Validate checks the curve and sensitivity
func (s Settings) Validate() error {
	if err := s.Curve.Validate(); err != nil {
		return err
	}
	if !s.Sensitivity.Valid() {
		return fmt.Errorf("unknown sensitivity %q", string(s.Sensitivity))
	}
	if s.SavedStep < 0 || s.SavedStep > s.Curve.MaxSteps {
		return fmt.Errorf("saved step %d outside [0, %d]", s.SavedStep, s.Curve.MaxSteps)
	}
	return nil
}
