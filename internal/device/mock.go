package device

import (
	"context"
	"sync"
)

// MockSink is an in-memory volume control for tests and demos
type MockSink struct {
	mu       sync.Mutex
	maxSteps int
	step     int
	healthy  bool
	setErr   error
	getErr   error
	writes   []int
}

// NewMockSink creates a mock sink at the given step
func NewMockSink(maxSteps, initialStep int) *MockSink {
	return &MockSink{
		maxSteps: maxSteps,
		step:     initialStep,
		healthy:  true,
	}
}

// GetStep returns the current step
func (m *MockSink) GetStep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return 0, m.getErr
	}
	return m.step, nil
}

// SetStep records and applies a step
func (m *MockSink) SetStep(ctx context.Context, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return m.setErr
	}
	if err := checkStep(step, m.maxSteps); err != nil {
		return err
	}

	m.step = step
	m.writes = append(m.writes, step)
	return nil
}

// MaxSteps returns the top of the scale
func (m *MockSink) MaxSteps() int {
	return m.maxSteps
}

// Healthy returns the mock health state
func (m *MockSink) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the sink type name
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources
func (m *MockSink) Close() error {
	return nil
}

// SetHealthy sets the mock health state
func (m *MockSink) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetStepDirect changes the step without recording a write, as if the
// user turned the hardware knob
func (m *MockSink) SetStepDirect(step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = step
}

// FailWrites makes SetStep return err (nil clears it)
func (m *MockSink) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// FailReads makes GetStep return err (nil clears it)
func (m *MockSink) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// Writes returns a copy of every applied step in order
func (m *MockSink) Writes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, len(m.writes))
	copy(out, m.writes)
	return out
}
