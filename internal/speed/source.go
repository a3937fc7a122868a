// Package speed provides vehicle speed samples for the auto-boost session
package speed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNoSample is returned when a source has no fresh speed to report
var ErrNoSample = errors.New("no speed sample available")

// Sample is a single speed measurement
type Sample struct {
	SpeedKmh  float64   `json:"speed_kmh"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latency_ms"`
}

// Source provides speed samples from a GPS fix, a vehicle bus or a broker
type Source interface {
	// GetSpeed returns the most recent speed
	GetSpeed(ctx context.Context) (Sample, error)

	// Close releases the underlying connection
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// MpsToKmh converts a GPS speed in m/s to km/h
func MpsToKmh(mps float64) float64 {
	return mps * 3.6
}

// sanitize drops negative readings, which some GPS chips report
// while the fix is still settling
func sanitize(kmh float64) float64 {
	if kmh < 0 {
		return 0
	}
	return kmh
}

// finiteKmh rejects NaN and infinite readings
func finiteKmh(kmh float64) (float64, error) {
	if math.IsNaN(kmh) || math.IsInf(kmh, 0) {
		return 0, fmt.Errorf("speed %v is not a finite number", kmh)
	}
	return kmh, nil
}
