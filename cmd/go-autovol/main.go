// go-autovol: speed-sensitive volume daemon for car head units
// Maps a 0-100% volume onto the device's native steps through a power
// curve and raises it with vehicle speed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/lmittmann/tint"

	"github.com/teslashibe/go-autovol/internal/boost"
	"github.com/teslashibe/go-autovol/internal/config"
	"github.com/teslashibe/go-autovol/internal/device"
	"github.com/teslashibe/go-autovol/internal/health"
	"github.com/teslashibe/go-autovol/internal/server"
	"github.com/teslashibe/go-autovol/internal/settings"
	"github.com/teslashibe/go-autovol/internal/speed"
	"github.com/teslashibe/go-autovol/internal/volume"
)

const (
	healthInterval   = 5 * time.Second
	autoStartBackoff = 2 * time.Second
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-autovol/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use mock speed source and volume sink (for testing)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-autovol %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Override log level if debug flag is set
	if *debug {
		cfg.Logging.Level = "debug"
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-autovol",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load persisted settings
	store := settings.NewStore(cfg.Settings.Path, cfg.DefaultSettings(), logger)
	if _, err := store.Load(); err != nil {
		logger.Warn("using default settings", "error", err)
	}
	current := store.Get()
	maxSteps := current.Curve.MaxSteps

	// Initialize speed source
	var source speed.Source
	if *useMock {
		logger.Info("using mock speed source")
		source = speed.NewMockSourceWithDrive()
	} else {
		source = speed.NewSourceWithFallback(ctx, cfg.Speed, logger)
	}
	defer source.Close()

	logger.Info("speed source ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	// Initialize volume sink
	var sink device.Sink
	if *useMock {
		logger.Info("using mock volume sink")
		sink = device.NewMockSink(maxSteps, min(cfg.Sink.InitialStep, maxSteps))
	} else {
		sink, err = device.NewSink(ctx, cfg.Sink, maxSteps, logger)
		if err != nil {
			logger.Error("failed to create volume sink", "error", err)
			os.Exit(1)
		}
	}
	defer sink.Close()

	logger.Info("volume sink ready",
		"type", sink.Name(),
		"max_steps", maxSteps,
	)

	arbiter := device.NewArbiter(sink, logger)

	// Create boost session
	session := boost.NewSession(source, arbiter, current, boost.Config{
		PollInterval: cfg.Boost.PollInterval(),
	}, logger)

	// Cancelled before the restore on shutdown; the sink keeps ctx
	autoCtx, autoCancel := context.WithCancel(ctx)
	defer autoCancel()
	auto := boost.NewAutoStarter(autoCtx, session, current, autoStartBackoff, logger)

	store.OnChange(func(s volume.Settings) {
		if err := session.UpdateSettings(s); err != nil {
			logger.Warn("boost session rejected settings", "error", err)
			return
		}
		auto.Follow(s)
	})

	// Start polling loop in background
	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("boost loop error", "error", err)
		}
	}()

	if cfg.Boost.AutoStart || current.AutoBoost {
		auto.Enable()
	}

	// Health refresher
	checker := health.NewChecker(version)
	registerProbes(checker, source, sink, session)
	go checker.Run(ctx, healthInterval)

	// Create server
	srv := server.New(cfg, server.Dependencies{
		Session:  session,
		Arbiter:  arbiter,
		Settings: store,
		Health:   checker,
	}, logger, version)

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Print startup info
	printStartupBanner(cfg, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> session (restores volume) -> sink -> source
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	// No auto-start retry may land after the restore
	autoCancel()

	logger.Info("stopping boost session...")
	if err := session.Close(); err != nil {
		logger.Warn("volume not restored", "error", err)
	}

	logger.Info("go-autovol stopped")
}

func registerProbes(checker *health.Checker, source speed.Source, sink device.Sink, session *boost.Session) {
	checker.Register(health.ComponentSpeedSource, func() (bool, string) {
		if r, ok := source.(interface{ LastError() error }); ok {
			if err := r.LastError(); err != nil {
				return source.Healthy(), fmt.Sprintf("%s: %v", source.Name(), err)
			}
		}
		return source.Healthy(), source.Name()
	})

	checker.Register(health.ComponentVolumeSink, func() (bool, string) {
		if remote, ok := sink.(*device.RemoteSink); ok {
			stats := remote.Stats()
			return stats.Connected, fmt.Sprintf("%s (%d reconnects)", sink.Name(), stats.Reconnects)
		}
		return sink.Healthy(), sink.Name()
	})

	checker.Register(health.ComponentBoostSession, func() (bool, string) {
		stats := session.Stats()
		if stats.Active && stats.WriteErrorCount > 0 {
			return false, fmt.Sprintf("%d failed volume writes", stats.WriteErrorCount)
		}
		return true, string(session.Status().State)
	})
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "console":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("🔊 go-autovol v" + version)
	fmt.Println("   Speed-sensitive volume daemon")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health              - Health check")
	fmt.Println("   GET  /api/volume          - Current volume")
	fmt.Println("   PUT  /api/volume          - Set volume percent")
	fmt.Println("   POST /api/volume/adjust   - Nudge volume by a percent delta")
	fmt.Println("   POST /api/volume/mute     - Toggle mute")
	fmt.Println("   POST /api/boost/start     - Start speed boost")
	fmt.Println("   POST /api/boost/stop      - Stop boost and restore volume")
	fmt.Println("   WS   /api/boost/stream    - Real-time boost stream")
	fmt.Println("   GET  /api/settings        - Curve and sensitivity")
	fmt.Println("   GET  /metrics             - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
