package speed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/teslashibe/go-autovol/internal/config"
)

// RedisSource reads the vehicle speed from a redis hash field, as written
// by the vehicle bus services (engine-ecu/speed in km/h)
type RedisSource struct {
	client *redis.Client
	key    string
	field  string
	logger *slog.Logger

	mu        sync.Mutex
	healthy   bool
	lastError error
}

// NewRedisSource connects to redis and verifies the server answers
func NewRedisSource(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSource(ctx, client, cfg, logger)
}

func newRedisSource(ctx context.Context, client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) (*RedisSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logger.Info("redis speed source initialized",
		"addr", cfg.Addr,
		"key", cfg.Key,
		"field", cfg.Field,
	)

	return &RedisSource{
		client:  client,
		key:     cfg.Key,
		field:   cfg.Field,
		logger:  logger,
		healthy: true,
	}, nil
}

// GetSpeed reads the current speed field
func (r *RedisSource) GetSpeed(ctx context.Context) (Sample, error) {
	start := time.Now()

	raw, err := r.client.HGet(ctx, r.key, r.field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.setHealth(true, nil)
			return Sample{}, ErrNoSample
		}
		r.setHealth(false, err)
		return Sample{}, fmt.Errorf("redis hget %s %s: %w", r.key, r.field, err)
	}
	r.setHealth(true, nil)

	kmh, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parse speed %q: %w", raw, err)
	}
	if kmh, err = finiteKmh(kmh); err != nil {
		return Sample{}, err
	}

	return Sample{
		SpeedKmh:  sanitize(kmh),
		Timestamp: time.Now(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *RedisSource) setHealth(healthy bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.healthy && !healthy {
		r.logger.Warn("redis speed source unhealthy", "error", err)
	}
	r.healthy = healthy
	r.lastError = err
}

// Close releases the redis connection pool
func (r *RedisSource) Close() error {
	return r.client.Close()
}

// Healthy returns true if the last read reached redis
func (r *RedisSource) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// LastError returns the error of the last failed read, nil after a
// successful one
func (r *RedisSource) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Name returns the source type name
func (r *RedisSource) Name() string {
	return "redis"
}
