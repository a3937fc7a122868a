package boost

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-autovol/internal/volume"
)

// AutoStarter keeps a session running while auto-boost is enabled. Starts
// are retried until the sink can be read; disabling stops the session.
type AutoStarter struct {
	ctx     context.Context
	session *Session
	retry   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	enabled bool
	pref    bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAutoStarter follows the auto-boost preference of initial. It does
// nothing until Enable or Follow is called.
func NewAutoStarter(ctx context.Context, session *Session, initial volume.Settings, retry time.Duration, logger *slog.Logger) *AutoStarter {
	if logger == nil {
		logger = slog.Default()
	}

	return &AutoStarter{
		ctx:     ctx,
		session: session,
		retry:   retry,
		logger:  logger,
		pref:    initial.AutoBoost,
	}
}

// Follow reacts to a settings change; only a flip of AutoBoost starts or
// stops the session
func (a *AutoStarter) Follow(settings volume.Settings) {
	a.mu.Lock()
	flipped := settings.AutoBoost != a.pref
	a.pref = settings.AutoBoost
	a.mu.Unlock()

	if !flipped {
		return
	}

	if settings.AutoBoost {
		a.Enable()
	} else {
		a.Disable()
	}
}

// Enable starts the session in the background, retrying on failure
func (a *AutoStarter) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.enabled {
		return
	}
	a.enabled = true

	ctx, cancel := context.WithCancel(a.ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.run(ctx, a.done)
}

// Disable cancels pending retries and stops an active session
func (a *AutoStarter) Disable() {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	a.enabled = false
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	cancel()
	<-done

	ctx, cancelStop := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancelStop()

	if _, err := a.session.Stop(ctx); err != nil && !errors.Is(err, ErrNotActive) {
		a.logger.Warn("auto boost stop failed", "error", err)
		return
	}
	a.logger.Info("auto boost disabled")
}

// Enabled reports whether auto-boost is on
func (a *AutoStarter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *AutoStarter) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		_, err := a.session.Start(ctx)
		if err == nil || errors.Is(err, ErrAlreadyActive) || errors.Is(err, ErrClosed) {
			return
		}

		a.logger.Warn("auto boost start failed", "error", err, "retry_in", a.retry)

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retry):
		}
	}
}
