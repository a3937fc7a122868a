// Package boost raises the head-unit volume with vehicle speed and puts
// it back when the session ends
package boost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-autovol/internal/device"
	"github.com/teslashibe/go-autovol/internal/speed"
	"github.com/teslashibe/go-autovol/internal/volume"
)

var (
	// ErrAlreadyActive is returned by Start while a session is running
	ErrAlreadyActive = errors.New("boost session already active")

	// ErrNotActive is returned by Stop when no session is running
	ErrNotActive = errors.New("boost session not active")

	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("boost session closed")
)

// State is the session lifecycle state
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// restoreTimeout bounds the compensating write made by Close
const restoreTimeout = 3 * time.Second

// Config configures the boost session
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second, // 1Hz
	}
}

// Status is a snapshot of the session
type Status struct {
	State         State              `json:"state"`
	SessionID     string             `json:"session_id,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	BasePercent   int                `json:"base_percent"`
	Boost         int                `json:"boost"`
	TargetPercent int                `json:"target_percent"`
	Step          int                `json:"step"`
	MaxSteps      int                `json:"max_steps"`
	SpeedKmh      float64            `json:"speed_kmh"`
	Sensitivity   volume.Sensitivity `json:"sensitivity"`
	Exponent      float64            `json:"exponent"`
	UpdatedAt     int64              `json:"updated_at"`
}

// Session tracks vehicle speed and drives the volume while active
type Session struct {
	source  speed.Source
	arbiter *device.Arbiter
	cfg     Config
	logger  *slog.Logger

	// opMu serializes Start, Stop and polls so no write lands after a
	// restore
	opMu sync.Mutex

	mu          sync.RWMutex
	settings    volume.Settings
	state       State
	lease       *device.Lease
	id          string
	startedAt   time.Time
	basePercent int
	boost       int
	target      int
	step        int
	speedKmh    float64
	updatedAt   time.Time

	// Metrics
	pollCount       int64
	pollErrorCount  int64
	writeCount      int64
	writeErrorCount int64
	sessionCount    int64
	totalLatencyMs  int64

	// Lifecycle
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Status]struct{}
}

// NewSession creates an inactive session
func NewSession(source speed.Source, arbiter *device.Arbiter, settings volume.Settings, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		source:   source,
		arbiter:  arbiter,
		cfg:      cfg,
		logger:   logger,
		settings: settings,
		state:    StateInactive,
		done:     make(chan struct{}),
		subs:     make(map[chan Status]struct{}),
	}
}

// Run starts the polling loop (blocking, use goroutine). Ticks are ignored
// while the session is inactive.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("boost loop started",
		"poll_interval", s.cfg.PollInterval,
		"source", s.source.Name(),
		"sink", s.arbiter.Sink().Name(),
	)

	for {
		select {
		case <-ctx.Done():
			stats := s.Stats()
			s.logger.Info("boost loop stopped",
				"polls", stats.PollCount,
				"errors", stats.ErrorCount,
				"writes", stats.WriteCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.logger.Warn("boost poll failed", "error", err)
			}
		}
	}
}

// Start captures the current volume as the base and takes the write lease
func (s *Session) Start(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Status{}, ErrClosed
	}

	if s.Active() {
		return Status{}, ErrAlreadyActive
	}

	lease, err := s.arbiter.Acquire(device.OwnerBoost)
	if err != nil {
		return Status{}, err
	}

	step, err := lease.GetStep(ctx)
	if err != nil {
		lease.Release()
		return Status{}, fmt.Errorf("read device volume: %w", err)
	}

	s.mu.Lock()
	base := s.settings.Curve.StepToPercent(step)
	s.lease = lease
	s.state = StateActive
	s.id = uuid.NewString()
	s.startedAt = time.Now()
	s.basePercent = base
	s.boost = 0
	s.target = base
	s.step = step
	s.updatedAt = s.startedAt
	s.sessionCount++
	status := s.statusLocked()
	s.mu.Unlock()

	s.logger.Info("boost session started",
		"session_id", status.SessionID,
		"base_percent", base,
		"step", step,
		"sensitivity", status.Sensitivity,
	)

	s.notifySubscribers(status)
	return status, nil
}

// Stop restores the base volume and releases the lease. The lease is
// released even when the restore fails.
func (s *Session) Stop(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) (Status, error) {
	s.mu.RLock()
	active := s.state == StateActive
	lease := s.lease
	restore := s.settings.Curve.PercentToStep(s.basePercent)
	id := s.id
	s.mu.RUnlock()

	if !active {
		return Status{}, ErrNotActive
	}

	restoreErr := lease.SetStep(ctx, restore)
	lease.Release()

	s.mu.Lock()
	s.state = StateInactive
	s.lease = nil
	s.boost = 0
	s.target = s.basePercent
	if restoreErr == nil {
		s.step = restore
		s.writeCount++
	} else {
		s.writeErrorCount++
	}
	s.updatedAt = time.Now()
	status := s.statusLocked()
	s.mu.Unlock()

	if restoreErr != nil {
		s.logger.Error("boost session stopped without restoring volume",
			"session_id", id,
			"restore_step", restore,
			"error", restoreErr,
		)
	} else {
		s.logger.Info("boost session stopped",
			"session_id", id,
			"restored_step", restore,
		)
	}

	s.notifySubscribers(status)

	if restoreErr != nil {
		return status, fmt.Errorf("restore volume to step %d: %w", restore, restoreErr)
	}
	return status, nil
}

func (s *Session) poll(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	active := s.state == StateActive
	lease := s.lease
	settings := s.settings
	base := s.basePercent
	last := s.step
	s.mu.RUnlock()

	if !active {
		return nil
	}

	start := time.Now()

	sample, err := s.source.GetSpeed(ctx)
	if err != nil {
		// Hold the last boost
		s.mu.Lock()
		s.pollErrorCount++
		s.mu.Unlock()
		return fmt.Errorf("read speed from %s: %w", s.source.Name(), err)
	}

	latencyMs := time.Since(start).Milliseconds()

	boost := volume.CalculateBoost(sample.SpeedKmh, settings.Sensitivity)
	target := volume.ApplyBoost(base, boost)
	step := settings.Curve.PercentToStep(target)

	var writeErr error
	if step != last {
		writeErr = lease.SetStep(ctx, step)
	}

	s.mu.Lock()
	s.pollCount++
	s.totalLatencyMs += latencyMs
	s.speedKmh = sample.SpeedKmh
	s.boost = boost
	s.target = target
	if step != last {
		if writeErr == nil {
			s.step = step
			s.writeCount++
		} else {
			s.writeErrorCount++
		}
	}
	s.updatedAt = time.Now()
	pollCount := s.pollCount
	status := s.statusLocked()
	s.mu.Unlock()

	s.notifySubscribers(status)

	if writeErr != nil {
		return fmt.Errorf("apply step %d: %w", step, writeErr)
	}

	if step != last {
		s.logger.Debug("boost applied",
			"speed_kmh", sample.SpeedKmh,
			"boost", boost,
			"target_percent", target,
			"step", step,
		)
	} else if pollCount%30 == 0 {
		s.logger.Debug("boost poll",
			"speed_kmh", sample.SpeedKmh,
			"boost", boost,
			"latency_ms", latencyMs,
		)
	}

	return nil
}

// UpdateSettings swaps the curve and sensitivity; the next sample uses
// them. The base percent captured at Start is kept.
func (s *Session) UpdateSettings(settings volume.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.logger.Debug("boost settings updated",
		"sensitivity", settings.Sensitivity,
		"exponent", settings.Curve.Exponent,
	)
	return nil
}

// Settings returns the settings in use
func (s *Session) Settings() volume.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Active reports whether a session is running
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	status := Status{
		State:         s.state,
		BasePercent:   s.basePercent,
		Boost:         s.boost,
		TargetPercent: s.target,
		Step:          s.step,
		MaxSteps:      s.settings.Curve.MaxSteps,
		SpeedKmh:      s.speedKmh,
		Sensitivity:   s.settings.Sensitivity,
		Exponent:      s.settings.Curve.Exponent,
	}
	if !s.updatedAt.IsZero() {
		status.UpdatedAt = s.updatedAt.UnixMilli()
	}
	if s.state == StateActive {
		startedAt := s.startedAt
		status.SessionID = s.id
		status.StartedAt = &startedAt
	}
	return status
}

func (s *Session) notifySubscribers(status Status) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- status:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives status updates
func (s *Session) Subscribe() chan Status {
	ch := make(chan Status, 10)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (s *Session) Unsubscribe(ch chan Status) {
	s.subsMu.Lock()
	if _, exists := s.subs[ch]; exists {
		delete(s.subs, ch)
		close(ch)
	}
	s.subsMu.Unlock()
}

// Stats contains session statistics
type Stats struct {
	Active          bool    `json:"active"`
	PollCount       int64   `json:"poll_count"`
	ErrorCount      int64   `json:"error_count"`
	WriteCount      int64   `json:"write_count"`
	WriteErrorCount int64   `json:"write_error_count"`
	SessionCount    int64   `json:"session_count"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	SubscriberCount int     `json:"subscriber_count"`
	SourceHealthy   bool    `json:"source_healthy"`
	SinkHealthy     bool    `json:"sink_healthy"`
	CurrentBoost    int     `json:"current_boost"`
	CurrentSpeedKmh float64 `json:"current_speed_kmh"`
}

// Stats returns session statistics
func (s *Session) Stats() Stats {
	s.subsMu.RLock()
	subscribers := len(s.subs)
	s.subsMu.RUnlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	avgLatency := float64(0)
	if s.pollCount > 0 {
		avgLatency = float64(s.totalLatencyMs) / float64(s.pollCount)
	}

	return Stats{
		Active:          s.state == StateActive,
		PollCount:       s.pollCount,
		ErrorCount:      s.pollErrorCount,
		WriteCount:      s.writeCount,
		WriteErrorCount: s.writeErrorCount,
		SessionCount:    s.sessionCount,
		AvgLatencyMs:    avgLatency,
		SubscriberCount: subscribers,
		SourceHealthy:   s.source.Healthy(),
		SinkHealthy:     s.arbiter.Sink().Healthy(),
		CurrentBoost:    s.boost,
		CurrentSpeedKmh: s.speedKmh,
	}
}

// Close stops the polling loop and, if a session is active, restores the
// base volume before returning. Start fails with ErrClosed afterwards.
func (s *Session) Close() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-s.done
	}

	var err error
	s.opMu.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.Active() {
		ctx, cancelRestore := context.WithTimeout(context.Background(), restoreTimeout)
		_, err = s.stopLocked(ctx)
		cancelRestore()
	}
	s.opMu.Unlock()

	// Close all subscriber channels
	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()

	return err
}
