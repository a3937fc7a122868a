package speed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-autovol/internal/config"
)

// NewSource creates the speed source selected by cfg.Type
func NewSource(ctx context.Context, cfg config.SpeedConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Type {
	case "mock":
		return NewMockSourceWithDrive(), nil
	case "redis":
		source, err := NewRedisSource(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return source, nil
	case "mqtt":
		source, err := NewMQTTSource(cfg.MQTT, cfg.StaleAfter, logger)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	return nil, fmt.Errorf("unknown speed source type %q", cfg.Type)
}

// NewSourceWithFallback creates a speed source, falling back to the
// simulated drive when the configured one is unreachable
func NewSourceWithFallback(ctx context.Context, cfg config.SpeedConfig, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := NewSource(ctx, cfg, logger)
	if err == nil {
		return source
	}

	logger.Warn("speed source unavailable, using simulated drive",
		"type", cfg.Type,
		"error", err,
	)
	return NewMockSourceWithDrive()
}
