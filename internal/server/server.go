// Package server provides the HTTP server for go-autovol
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-autovol/internal/boost"
	"github.com/teslashibe/go-autovol/internal/config"
	"github.com/teslashibe/go-autovol/internal/device"
	"github.com/teslashibe/go-autovol/internal/health"
	"github.com/teslashibe/go-autovol/internal/settings"
	"github.com/teslashibe/go-autovol/internal/volume"
)

// Dependencies are the collaborators the API drives
type Dependencies struct {
	Session  *boost.Session
	Arbiter  *device.Arbiter
	Settings *settings.Store
	Health   *health.Checker
}

// Server is the HTTP server for go-autovol
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	deps      Dependencies
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string

	// manualMu serializes manual writes. manualPercent is the last percent
	// set by hand; nudges build on it while the device still shows its step.
	manualMu      sync.Mutex
	manualPercent int
	hasManual     bool
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-autovol",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		wsHub:     NewWSHub(deps.Session, logger),
		startTime: time.Now(),
		version:   version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Volume API
	api.Get("/volume", s.getVolumeHandler)
	api.Put("/volume", s.setVolumeHandler)
	api.Post("/volume/adjust", s.adjustVolumeHandler)
	api.Post("/volume/mute", s.muteHandler)

	// Boost API
	b := api.Group("/boost")
	api.Get("/boost", s.boostStatusHandler)
	b.Post("/start", s.boostStartHandler)
	b.Post("/stop", s.boostStopHandler)
	b.Get("/stream", s.wsHub.UpgradeHandler())

	api.Get("/settings", s.getSettingsHandler)
	api.Put("/settings", s.updateSettingsHandler)
	api.Get("/curve", s.curveHandler)

	// Config endpoint
	api.Get("/config", s.configHandler)

	// Stats endpoint
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.deps.Health == nil {
		return c.JSON(fiber.Map{
			"status":         "ok",
			"version":        s.version,
			"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		})
	}

	return c.JSON(s.deps.Health.GetStatus())
}

// volumeView is the API representation of the device volume
type volumeView struct {
	Step     int            `json:"step"`
	Percent  int            `json:"percent"`
	MaxSteps int            `json:"max_steps"`
	Holder   *device.Holder `json:"holder,omitempty"`
}

func (s *Server) currentVolume(ctx context.Context) (volumeView, error) {
	step, err := s.deps.Arbiter.GetStep(ctx)
	if err != nil {
		return volumeView{}, err
	}

	curve := s.deps.Settings.Get().Curve
	view := volumeView{
		Step:     step,
		Percent:  curve.StepToPercent(step),
		MaxSteps: curve.MaxSteps,
	}
	if h, held := s.deps.Arbiter.Holder(); held {
		view.Holder = &h
	}
	return view, nil
}

// getVolumeHandler returns the current device volume
func (s *Server) getVolumeHandler(c *fiber.Ctx) error {
	view, err := s.currentVolume(c.UserContext())
	if err != nil {
		return s.fail(c, fiber.StatusServiceUnavailable, err)
	}
	return c.JSON(view)
}

// setVolumeHandler applies a manual percent
func (s *Server) setVolumeHandler(c *fiber.Ctx) error {
	var req struct {
		Percent *int `json:"percent"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}
	if req.Percent == nil {
		return s.fail(c, fiber.StatusBadRequest, errors.New("percent is required"))
	}
	if *req.Percent < volume.MinPercent || *req.Percent > volume.MaxPercent {
		return s.fail(c, fiber.StatusBadRequest,
			fmt.Errorf("percent %d outside [%d, %d]", *req.Percent, volume.MinPercent, volume.MaxPercent))
	}

	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	return s.writeManualLocked(c, *req.Percent)
}

// adjustVolumeHandler nudges the volume by a percent delta. Repeated small
// nudges accumulate even when each one maps to the same step.
func (s *Server) adjustVolumeHandler(c *fiber.Ctx) error {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}
	if req.Delta < -volume.MaxPercent || req.Delta > volume.MaxPercent {
		return s.fail(c, fiber.StatusBadRequest,
			fmt.Errorf("delta %d outside [%d, %d]", req.Delta, -volume.MaxPercent, volume.MaxPercent))
	}

	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	step, err := s.deps.Arbiter.GetStep(c.UserContext())
	if err != nil {
		return s.fail(c, fiber.StatusServiceUnavailable, err)
	}

	curve := s.deps.Settings.Get().Curve
	base := curve.StepToPercent(step)
	// Resync with the device if something else moved it
	if s.hasManual && curve.PercentToStep(s.manualPercent) == step {
		base = s.manualPercent
	}

	return s.writeManualLocked(c, volume.ClampPercent(base+req.Delta))
}

// writeManualLocked applies percent through a manual lease; manualMu must
// be held
func (s *Server) writeManualLocked(c *fiber.Ctx, percent int) error {
	step := s.deps.Settings.Get().Curve.PercentToStep(percent)

	if err := s.deps.Arbiter.WriteOnce(c.UserContext(), device.OwnerManual, step); err != nil {
		return s.fail(c, errorStatus(err), err)
	}

	s.manualPercent = percent
	s.hasManual = true

	s.logger.Info("manual volume set", "percent", percent, "step", step)

	view, err := s.currentVolume(c.UserContext())
	if err != nil {
		return s.fail(c, fiber.StatusServiceUnavailable, err)
	}
	return c.JSON(view)
}

// muteView is the mute toggle result
type muteView struct {
	volumeView
	Muted bool `json:"muted"`
}

// muteHandler toggles mute. An audible step is saved to the settings file
// and replaced by 0; a muted device gets the saved step back.
func (s *Server) muteHandler(c *fiber.Ctx) error {
	ctx := c.UserContext()

	s.manualMu.Lock()
	defer s.manualMu.Unlock()

	lease, err := s.deps.Arbiter.Acquire(device.OwnerManual)
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	defer lease.Release()

	step, err := lease.GetStep(ctx)
	if err != nil {
		return s.fail(c, fiber.StatusServiceUnavailable, err)
	}

	muted := step > 0
	target := 0
	if muted {
		// Save before muting so a restart can still unmute
		if _, err := s.deps.Settings.Update(func(st *volume.Settings) {
			st.SavedStep = step
		}); err != nil {
			return s.fail(c, fiber.StatusInternalServerError, fmt.Errorf("save volume: %w", err))
		}
	} else {
		target = s.deps.Settings.Get().UnmuteStep()
	}

	if err := lease.SetStep(ctx, target); err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	lease.Release()
	s.hasManual = false

	s.logger.Info("volume mute toggled", "muted", muted, "from_step", step, "step", target)

	view, err := s.currentVolume(ctx)
	if err != nil {
		return s.fail(c, fiber.StatusServiceUnavailable, err)
	}
	return c.JSON(muteView{volumeView: view, Muted: muted})
}

// boostStatusHandler returns the boost session status
func (s *Server) boostStatusHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Session.Status())
}

// boostStartHandler starts a boost session
func (s *Server) boostStartHandler(c *fiber.Ctx) error {
	status, err := s.deps.Session.Start(c.UserContext())
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(status)
}

// boostStopHandler stops the boost session and restores the base volume
func (s *Server) boostStopHandler(c *fiber.Ctx) error {
	status, err := s.deps.Session.Stop(c.UserContext())
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(status)
}

// getSettingsHandler returns the persisted settings
func (s *Server) getSettingsHandler(c *fiber.Ctx) error {
	return c.JSON(s.deps.Settings.Get())
}

// updateSettingsHandler applies a partial settings update
func (s *Server) updateSettingsHandler(c *fiber.Ctx) error {
	var req struct {
		Exponent    *float64 `json:"exponent"`
		MaxSteps    *int     `json:"max_steps"`
		Sensitivity *string  `json:"sensitivity"`
		AutoBoost   *bool    `json:"auto_boost"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}

	// The scale belongs to the device
	if req.MaxSteps != nil && *req.MaxSteps != s.deps.Arbiter.MaxSteps() {
		return s.fail(c, fiber.StatusBadRequest,
			fmt.Errorf("max_steps is fixed by the device at %d", s.deps.Arbiter.MaxSteps()))
	}

	var sensitivity volume.Sensitivity
	if req.Sensitivity != nil {
		parsed, err := volume.ParseSensitivity(*req.Sensitivity)
		if err != nil {
			return s.fail(c, fiber.StatusBadRequest, err)
		}
		sensitivity = parsed
	}

	updated, err := s.deps.Settings.Update(func(st *volume.Settings) {
		if req.Exponent != nil {
			st.Curve.Exponent = *req.Exponent
		}
		if req.Sensitivity != nil {
			st.Sensitivity = sensitivity
		}
		if req.AutoBoost != nil {
			st.AutoBoost = *req.AutoBoost
		}
	})
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}

	return c.JSON(updated)
}

// curvePoint is one row of the curve table
type curvePoint struct {
	Percent int `json:"percent"`
	Step    int `json:"step"`
}

// curveHandler returns the percent→step table for the current curve or
// one overridden by query parameters
func (s *Server) curveHandler(c *fiber.Ctx) error {
	curve := s.deps.Settings.Get().Curve
	curve.MaxSteps = c.QueryInt("max_steps", curve.MaxSteps)
	curve.Exponent = c.QueryFloat("exponent", curve.Exponent)

	if err := curve.Validate(); err != nil {
		return s.fail(c, fiber.StatusBadRequest, err)
	}

	points := make([]curvePoint, 0, 11)
	for p := volume.MinPercent; p <= volume.MaxPercent; p += 10 {
		points = append(points, curvePoint{Percent: p, Step: curve.PercentToStep(p)})
	}

	return c.JSON(fiber.Map{
		"max_steps": curve.MaxSteps,
		"exponent":  curve.Exponent,
		"points":    points,
	})
}

// configHandler returns current non-secret configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
		"boost": fiber.Map{
			"poll_hz":    s.cfg.Boost.PollHz,
			"auto_start": s.cfg.Boost.AutoStart,
		},
		"speed": fiber.Map{
			"type":           s.cfg.Speed.Type,
			"stale_after_ms": s.cfg.Speed.StaleAfter.Milliseconds(),
		},
		"sink": fiber.Map{
			"type":      s.cfg.Sink.Type,
			"max_steps": s.deps.Arbiter.MaxSteps(),
		},
		"settings": fiber.Map{
			"path": s.deps.Settings.Path(),
		},
	})
}

// statsView is the session statistics plus the head-unit connection
// statistics when the sink is remote
type statsView struct {
	boost.Stats
	Sink *device.RemoteStats `json:"sink,omitempty"`
}

// statsHandler returns session statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	view := statsView{Stats: s.deps.Session.Stats()}
	if remote, ok := s.deps.Arbiter.Sink().(*device.RemoteSink); ok {
		rs := remote.Stats()
		view.Sink = &rs
	}
	return c.JSON(view)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	stats := s.deps.Session.Stats()
	status := s.deps.Session.Status()

	metrics := fmt.Sprintf(`# HELP go_autovol_boost_active Boost session state (1=active, 0=inactive)
# TYPE go_autovol_boost_active gauge
go_autovol_boost_active %d

# HELP go_autovol_boost_percent Current speed boost in percent points
# TYPE go_autovol_boost_percent gauge
go_autovol_boost_percent %d

# HELP go_autovol_base_percent Volume captured when the session started
# TYPE go_autovol_base_percent gauge
go_autovol_base_percent %d

# HELP go_autovol_speed_kmh Last vehicle speed sample in km/h
# TYPE go_autovol_speed_kmh gauge
go_autovol_speed_kmh %f

# HELP go_autovol_poll_count Total speed polls
# TYPE go_autovol_poll_count counter
go_autovol_poll_count %d

# HELP go_autovol_poll_errors Total speed poll errors
# TYPE go_autovol_poll_errors counter
go_autovol_poll_errors %d

# HELP go_autovol_volume_writes Total volume writes by the boost session
# TYPE go_autovol_volume_writes counter
go_autovol_volume_writes %d

# HELP go_autovol_volume_write_errors Total failed volume writes by the boost session
# TYPE go_autovol_volume_write_errors counter
go_autovol_volume_write_errors %d

# HELP go_autovol_avg_latency_ms Average speed poll latency in milliseconds
# TYPE go_autovol_avg_latency_ms gauge
go_autovol_avg_latency_ms %f

# HELP go_autovol_source_healthy Speed source health (1=healthy, 0=unhealthy)
# TYPE go_autovol_source_healthy gauge
go_autovol_source_healthy %d

# HELP go_autovol_sink_healthy Volume sink health (1=healthy, 0=unhealthy)
# TYPE go_autovol_sink_healthy gauge
go_autovol_sink_healthy %d

# HELP go_autovol_uptime_seconds Server uptime in seconds
# TYPE go_autovol_uptime_seconds gauge
go_autovol_uptime_seconds %d

# HELP go_autovol_websocket_clients Current WebSocket client count
# TYPE go_autovol_websocket_clients gauge
go_autovol_websocket_clients %d
`,
		boolToInt(stats.Active),
		stats.CurrentBoost,
		status.BasePercent,
		stats.CurrentSpeedKmh,
		stats.PollCount,
		stats.ErrorCount,
		stats.WriteCount,
		stats.WriteErrorCount,
		stats.AvgLatencyMs,
		boolToInt(stats.SourceHealthy),
		boolToInt(stats.SinkHealthy),
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	// Device volume is omitted while the sink cannot be read
	if view, err := s.currentVolume(c.UserContext()); err == nil {
		metrics += fmt.Sprintf(`
# HELP go_autovol_volume_step Current device volume step
# TYPE go_autovol_volume_step gauge
go_autovol_volume_step %d

# HELP go_autovol_volume_percent Current device volume in percent
# TYPE go_autovol_volume_percent gauge
go_autovol_volume_percent %d
`, view.Step, view.Percent)
	}

	if remote, ok := s.deps.Arbiter.Sink().(*device.RemoteSink); ok {
		rs := remote.Stats()
		metrics += fmt.Sprintf(`
# HELP go_autovol_sink_connected Head unit connection state (1=connected, 0=disconnected)
# TYPE go_autovol_sink_connected gauge
go_autovol_sink_connected %d

# HELP go_autovol_sink_messages_sent Total messages sent to the head unit
# TYPE go_autovol_sink_messages_sent counter
go_autovol_sink_messages_sent %d

# HELP go_autovol_sink_messages_received Total messages received from the head unit
# TYPE go_autovol_sink_messages_received counter
go_autovol_sink_messages_received %d

# HELP go_autovol_sink_reconnects Total head unit connections re-established after a drop
# TYPE go_autovol_sink_reconnects counter
go_autovol_sink_reconnects %d
`, boolToInt(rs.Connected), rs.MessagesSent, rs.MessagesReceived, rs.Reconnects)
	}

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrBusy),
		errors.Is(err, boost.ErrAlreadyActive),
		errors.Is(err, boost.ErrNotActive):
		return fiber.StatusConflict
	case errors.Is(err, volume.ErrInvalidCurve):
		return fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusBadGateway
}

func (s *Server) fail(c *fiber.Ctx, status int, err error) error {
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed",
			"path", c.Path(),
			"status", status,
			"error", err,
		)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
