// Package volume maps between user-facing volume percentages and a device's
// native volume steps, and computes the speed-proportional boost.
//
// Everything here is a pure function of its arguments and is safe to call
// from any goroutine.
package volume

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinPercent and MaxPercent bound the user-facing volume level
	MinPercent = 0
	MaxPercent = 100
)

// ErrInvalidCurve is returned by Curve.Validate
var ErrInvalidCurve = errors.New("invalid volume curve")

// Curve describes a power-law mapping onto a device's step scale.
// Exponent 1.0 is linear; higher values compress the low end.
type Curve struct {
	MaxSteps int     `json:"max_steps" yaml:"max_steps"`
	Exponent float64 `json:"exponent" yaml:"exponent"`
}

// DefaultCurve is the common 15-step music stream with a quadratic curve
func DefaultCurve() Curve {
	return Curve{MaxSteps: 15, Exponent: 2.0}
}

// Validate reports whether the curve can be used for conversions
func (c Curve) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("%w: max_steps must be >= 1, got %d", ErrInvalidCurve, c.MaxSteps)
	}
	if math.IsNaN(c.Exponent) || math.IsInf(c.Exponent, 0) || c.Exponent <= 0 {
		return fmt.Errorf("%w: exponent must be a positive number, got %v", ErrInvalidCurve, c.Exponent)
	}
	return nil
}

// PercentToStep converts percent to a step on this curve
func (c Curve) PercentToStep(percent int) int {
	return PercentToStep(percent, c.MaxSteps, c.Exponent)
}

// StepToPercent converts a step on this curve to percent
func (c Curve) StepToPercent(step int) int {
	return StepToPercent(step, c.MaxSteps, c.Exponent)
}

// PercentToStep maps a 0-100 percent onto 0..maxSteps through the curve.
// It panics if maxSteps < 1 or exponent <= 0.
func PercentToStep(percent, maxSteps int, exponent float64) int {
	mustValidate(maxSteps, exponent)

	if percent <= MinPercent {
		return 0
	}
	if percent >= MaxPercent {
		return maxSteps
	}

	normalized := float64(percent) / MaxPercent
	curved := math.Pow(normalized, exponent)
	step := int(math.Round(curved * float64(maxSteps)))

	return clampInt(step, 0, maxSteps)
}

// StepToPercent is the inverse of PercentToStep. The round trip is lossy
// because both sides are integers.
// It panics if maxSteps < 1 or exponent <= 0.
func StepToPercent(step, maxSteps int, exponent float64) int {
	mustValidate(maxSteps, exponent)

	if step <= 0 {
		return MinPercent
	}
	if step >= maxSteps {
		return MaxPercent
	}

	normalized := float64(step) / float64(maxSteps)
	percent := int(math.Round(math.Pow(normalized, 1/exponent) * MaxPercent))

	return clampInt(percent, MinPercent, MaxPercent)
}

// ClampPercent limits a percent to [0, 100]
func ClampPercent(percent int) int {
	return clampInt(percent, MinPercent, MaxPercent)
}

func mustValidate(maxSteps int, exponent float64) {
	if err := (Curve{MaxSteps: maxSteps, Exponent: exponent}).Validate(); err != nil {
		panic(fmt.Sprintf("volume: caller contract violated: %v", err))
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
