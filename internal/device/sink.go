// Package device writes native volume steps to the head unit and decides
// who is allowed to write them
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-autovol/internal/config"
)

// Sink is the device's native volume control
type Sink interface {
	// GetStep returns the current native step
	GetStep(ctx context.Context) (int, error)

	// SetStep applies a native step in [0, MaxSteps]
	SetStep(ctx context.Context, step int) error

	// MaxSteps returns the top of the native scale
	MaxSteps() int

	// Healthy returns true if the sink is reachable
	Healthy() bool

	// Name returns the sink type name
	Name() string

	// Close releases resources
	Close() error
}

// NewSink creates the sink selected by cfg.Type on a scale of maxSteps
func NewSink(ctx context.Context, cfg config.SinkConfig, maxSteps int, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "mock":
		return NewMockSink(maxSteps, cfg.InitialStep), nil
	case "remote":
		remote := NewRemoteSink(cfg.Remote, maxSteps, logger)
		if err := remote.Connect(ctx); err != nil {
			return nil, err
		}
		return remote, nil
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}

func checkStep(step, maxSteps int) error {
	if step < 0 || step > maxSteps {
		return fmt.Errorf("step %d outside [0, %d]", step, maxSteps)
	}
	return nil
}
