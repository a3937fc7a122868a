package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known lease owners
const (
	OwnerManual = "manual"
	OwnerBoost  = "boost"
)

var (
	// ErrBusy is returned when another owner holds the write authority
	ErrBusy = errors.New("volume is controlled by another owner")

	// ErrLeaseRevoked is returned when writing through a released lease
	ErrLeaseRevoked = errors.New("volume lease is no longer valid")
)

// Holder describes the current write authority
type Holder struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Arbiter is the single writer authority for a sink. At most one lease is
// outstanding; every write goes through it.
type Arbiter struct {
	sink   Sink
	logger *slog.Logger

	// writeMu serializes sink writes
	writeMu sync.Mutex

	mu     sync.Mutex
	holder *Holder
}

// NewArbiter guards sink
func NewArbiter(sink Sink, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		sink:   sink,
		logger: logger,
	}
}

// Lease grants write access until released
type Lease struct {
	arbiter *Arbiter
	owner   string
	token   string
}

// Acquire takes the write authority for owner
func (a *Arbiter) Acquire(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder != nil {
		return nil, fmt.Errorf("%w (held by %s)", ErrBusy, a.holder.Owner)
	}

	token := uuid.NewString()
	a.holder = &Holder{
		Owner:      owner,
		Token:      token,
		AcquiredAt: time.Now(),
	}

	a.logger.Debug("volume lease acquired", "owner", owner, "token", token)

	return &Lease{arbiter: a, owner: owner, token: token}, nil
}

// Holder returns the current authority, if any
func (a *Arbiter) Holder() (Holder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder == nil {
		return Holder{}, false
	}
	return *a.holder, true
}

// GetStep reads the sink; reads need no lease
func (a *Arbiter) GetStep(ctx context.Context) (int, error) {
	return a.sink.GetStep(ctx)
}

// MaxSteps returns the sink's scale
func (a *Arbiter) MaxSteps() int {
	return a.sink.MaxSteps()
}

// Sink returns the guarded sink
func (a *Arbiter) Sink() Sink {
	return a.sink
}

// WriteOnce acquires a lease for owner, writes step and releases it
func (a *Arbiter) WriteOnce(ctx context.Context, owner string, step int) error {
	lease, err := a.Acquire(owner)
	if err != nil {
		return err
	}
	defer lease.Release()

	return lease.SetStep(ctx, step)
}

func (a *Arbiter) current(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder != nil && a.holder.Token == token
}

// Owner returns the lease owner
func (l *Lease) Owner() string {
	return l.owner
}

// Token returns the lease token
func (l *Lease) Token() string {
	return l.token
}

// Valid reports whether the lease still holds the authority
func (l *Lease) Valid() bool {
	return l.arbiter.current(l.token)
}

// SetStep writes a step if the lease is still current
func (l *Lease) SetStep(ctx context.Context, step int) error {
	a := l.arbiter

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.current(l.token) {
		return ErrLeaseRevoked
	}

	if err := a.sink.SetStep(ctx, step); err != nil {
		return fmt.Errorf("set step %d via %s: %w", step, a.sink.Name(), err)
	}
	return nil
}

// GetStep reads the sink
func (l *Lease) GetStep(ctx context.Context) (int, error) {
	return l.arbiter.sink.GetStep(ctx)
}

// Release gives up the authority; releasing twice is a no-op
func (l *Lease) Release() {
	a := l.arbiter

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder == nil || a.holder.Token != l.token {
		return
	}

	a.logger.Debug("volume lease released",
		"owner", l.owner,
		"held_for", time.Since(a.holder.AcquiredAt),
	)
	a.holder = nil
}
