package speed

import (
	"context"
	"math"
	"sync"
	"time"
)

// MockSource is a settable speed source for tests and demos
type MockSource struct {
	mu            sync.Mutex
	speedKmh      float64
	healthy       bool
	err           error
	calls         int
	simulateDrive bool
	startTime     time.Time
}

// NewMockSource creates a mock reporting a standstill
func NewMockSource() *MockSource {
	return &MockSource{
		healthy:   true,
		startTime: time.Now(),
	}
}

// NewMockSourceWithDrive creates a mock that simulates a drive cycle
// swinging between 0 and 120 km/h once a minute
func NewMockSourceWithDrive() *MockSource {
	return &MockSource{
		healthy:       true,
		simulateDrive: true,
		startTime:     time.Now(),
	}
}

// GetSpeed returns the current mock speed
func (m *MockSource) GetSpeed(ctx context.Context) (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if m.err != nil {
		return Sample{}, m.err
	}

	kmh := m.speedKmh
	if m.simulateDrive {
		elapsed := time.Since(m.startTime).Seconds()
		kmh = 60 - 60*math.Cos(elapsed*2*math.Pi/60)
	}

	return Sample{
		SpeedKmh:  sanitize(kmh),
		Timestamp: time.Now(),
		LatencyMs: 1,
	}, nil
}

// Close releases resources
func (m *MockSource) Close() error {
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return "mock"
}

// SetSpeed sets the mock speed in km/h
func (m *MockSource) SetSpeed(kmh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speedKmh = kmh
}

// SetError makes subsequent reads fail with err (nil clears it)
func (m *MockSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Calls returns how many times GetSpeed was called
func (m *MockSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
