package boost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-autovol/internal/device"
	"github.com/teslashibe/go-autovol/internal/speed"
	"github.com/teslashibe/go-autovol/internal/volume"
)

// Step 7 of 15 on the default curve is 68%
const (
	startStep   = 7
	basePercent = 68
)

func newTestSession(t *testing.T) (*Session, *speed.MockSource, *device.MockSink, *device.Arbiter) {
	t.Helper()

	source := speed.NewMockSource()
	sink := device.NewMockSink(15, startStep)
	arbiter := device.NewArbiter(sink, nil)

	cfg := Config{PollInterval: 10 * time.Millisecond}
	session := NewSession(source, arbiter, volume.DefaultSettings(), cfg, nil)

	t.Cleanup(func() { session.Close() })

	return session, source, sink, arbiter
}

func TestSession_StartCapturesBase(t *testing.T) {
	session, _, sink, arbiter := newTestSession(t)

	status, err := session.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if status.State != StateActive {
		t.Errorf("State = %v, want %v", status.State, StateActive)
	}
	if status.BasePercent != basePercent {
		t.Errorf("BasePercent = %d, want %d", status.BasePercent, basePercent)
	}
	if status.SessionID == "" {
		t.Error("SessionID should be set")
	}
	if status.StartedAt == nil {
		t.Error("StartedAt should be set")
	}

	h, held := arbiter.Holder()
	if !held || h.Owner != device.OwnerBoost {
		t.Errorf("Holder() = %+v, %v; want boost lease", h, held)
	}

	if len(sink.Writes()) != 0 {
		t.Errorf("Start should not write, got %v", sink.Writes())
	}
}

func TestSession_BoostAndRestore(t *testing.T) {
	session, source, sink, arbiter := newTestSession(t)
	ctx := context.Background()

	if _, err := session.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Standing still: target equals base, no write
	if err := session.poll(ctx); err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if len(sink.Writes()) != 0 {
		t.Errorf("writes at standstill = %v, want none", sink.Writes())
	}

	// 40 km/h on mid: +10% → 78% → step 9
	source.SetSpeed(40)
	if err := session.poll(ctx); err != nil {
		t.Fatalf("poll() error = %v", err)
	}

	status := session.Status()
	if status.Boost != 10 {
		t.Errorf("Boost = %d, want 10", status.Boost)
	}
	if status.TargetPercent != basePercent+10 {
		t.Errorf("TargetPercent = %d, want %d", status.TargetPercent, basePercent+10)
	}
	if status.Step != 9 {
		t.Errorf("Step = %d, want 9", status.Step)
	}

	status, err := session.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if status.State != StateInactive {
		t.Errorf("State = %v, want %v", status.State, StateInactive)
	}

	writes := sink.Writes()
	want := []int{9, startStep}
	if len(writes) != len(want) || writes[0] != want[0] || writes[1] != want[1] {
		t.Errorf("writes = %v, want %v", writes, want)
	}

	if _, held := arbiter.Holder(); held {
		t.Error("lease should be released after Stop")
	}
}

func TestSession_NoWriteWhenStepUnchanged(t *testing.T) {
	session, source, sink, _ := newTestSession(t)
	ctx := context.Background()

	session.Start(ctx)
	source.SetSpeed(40)

	for i := 0; i < 5; i++ {
		if err := session.poll(ctx); err != nil {
			t.Fatalf("poll() error = %v", err)
		}
	}

	if got := sink.Writes(); len(got) != 1 {
		t.Errorf("writes = %v, want exactly one", got)
	}

	stats := session.Stats()
	if stats.PollCount != 5 {
		t.Errorf("PollCount = %d, want 5", stats.PollCount)
	}
	if stats.WriteCount != 1 {
		t.Errorf("WriteCount = %d, want 1", stats.WriteCount)
	}
}

func TestSession_StartTwice(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if _, err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := session.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start() error = %v, want ErrAlreadyActive", err)
	}
}

func TestSession_StopInactive(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	if _, err := session.Stop(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("Stop() error = %v, want ErrNotActive", err)
	}
}

func TestSession_ManualWritesBlockedWhileActive(t *testing.T) {
	session, _, _, arbiter := newTestSession(t)
	ctx := context.Background()

	session.Start(ctx)

	if err := arbiter.WriteOnce(ctx, device.OwnerManual, 3); !errors.Is(err, device.ErrBusy) {
		t.Errorf("manual write during session error = %v, want ErrBusy", err)
	}

	session.Stop(ctx)

	if err := arbiter.WriteOnce(ctx, device.OwnerManual, 3); err != nil {
		t.Errorf("manual write after session error = %v", err)
	}
}

func TestSession_StartBusy(t *testing.T) {
	session, _, _, arbiter := newTestSession(t)

	lease, err := arbiter.Acquire(device.OwnerManual)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	if _, err := session.Start(context.Background()); !errors.Is(err, device.ErrBusy) {
		t.Errorf("Start() error = %v, want ErrBusy", err)
	}

	if session.Active() {
		t.Error("session should stay inactive")
	}
}

func TestSession_StartReadFailure(t *testing.T) {
	session, _, sink, arbiter := newTestSession(t)

	sink.FailReads(errors.New("bridge gone"))

	if _, err := session.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the volume cannot be read")
	}

	if _, held := arbiter.Holder(); held {
		t.Error("lease should be released when Start fails")
	}
	if session.Active() {
		t.Error("session should stay inactive")
	}
}

func TestSession_HoldsBoostOnSourceError(t *testing.T) {
	session, source, sink, _ := newTestSession(t)
	ctx := context.Background()

	session.Start(ctx)
	source.SetSpeed(40)
	session.poll(ctx)

	source.SetError(speed.ErrNoSample)
	if err := session.poll(ctx); !errors.Is(err, speed.ErrNoSample) {
		t.Errorf("poll() error = %v, want ErrNoSample", err)
	}

	status := session.Status()
	if status.Boost != 10 || status.Step != 9 {
		t.Errorf("status after error = boost %d step %d, want boost held at 10 step 9", status.Boost, status.Step)
	}

	if got := sink.Writes(); len(got) != 1 {
		t.Errorf("writes = %v, want one", got)
	}

	if stats := session.Stats(); stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", stats.ErrorCount)
	}
}

func TestSession_InactiveIgnoresPolls(t *testing.T) {
	session, source, sink, _ := newTestSession(t)

	source.SetSpeed(100)
	if err := session.poll(context.Background()); err != nil {
		t.Fatalf("poll() error = %v", err)
	}

	if source.Calls() != 0 {
		t.Errorf("source read %d times while inactive", source.Calls())
	}
	if len(sink.Writes()) != 0 {
		t.Errorf("writes while inactive = %v", sink.Writes())
	}
}

func TestSession_UpdateSettings(t *testing.T) {
	session, source, _, _ := newTestSession(t)
	ctx := context.Background()

	session.Start(ctx)
	source.SetSpeed(40)

	settings := volume.DefaultSettings()
	settings.Sensitivity = volume.SensitivityHigh
	if err := session.UpdateSettings(settings); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	session.poll(ctx)

	// 40 km/h on high: 4 increments capped at +20% → 88% → step 12
	status := session.Status()
	if status.Boost != volume.MaxBoost {
		t.Errorf("Boost = %d, want %d", status.Boost, volume.MaxBoost)
	}
	if status.BasePercent != basePercent {
		t.Errorf("BasePercent = %d, want unchanged %d", status.BasePercent, basePercent)
	}
	if status.Step != 12 {
		t.Errorf("Step = %d, want 12", status.Step)
	}

	bad := settings
	bad.Sensitivity = "extreme"
	if err := session.UpdateSettings(bad); err == nil {
		t.Error("UpdateSettings() should reject unknown sensitivity")
	}
	if session.Settings().Sensitivity != volume.SensitivityHigh {
		t.Error("rejected settings must not be applied")
	}
}

func TestSession_RestoreFailureReleasesLease(t *testing.T) {
	session, _, sink, arbiter := newTestSession(t)
	ctx := context.Background()

	session.Start(ctx)

	boom := errors.New("bridge gone")
	sink.FailWrites(boom)

	_, err := session.Stop(ctx)
	if !errors.Is(err, boom) {
		t.Errorf("Stop() error = %v, want wrapped bridge error", err)
	}

	if session.Active() {
		t.Error("session should be inactive after Stop")
	}
	if _, held := arbiter.Holder(); held {
		t.Error("lease should be released even when restore fails")
	}
}

func TestSession_RunAndClose(t *testing.T) {
	session, source, sink, _ := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.Run(ctx)

	ch := session.Subscribe()

	if _, err := session.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 100 km/h on mid caps at +20% → step 12
	source.SetSpeed(100)

	time.Sleep(100 * time.Millisecond)

	step, _ := sink.GetStep(context.Background())
	if step != 12 {
		t.Errorf("step while boosting = %d, want 12", step)
	}

	select {
	case status := <-ch:
		if status.State != StateActive {
			t.Errorf("first update State = %v, want active", status.State)
		}
	default:
		t.Error("subscriber should have received updates")
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	step, _ = sink.GetStep(context.Background())
	if step != startStep {
		t.Errorf("step after Close = %d, want restored %d", step, startStep)
	}

	// Drain; the channel must be closed
	for range ch {
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	ch := session.Subscribe()
	if got := session.Stats().SubscriberCount; got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}

	session.Unsubscribe(ch)
	session.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if got := session.Stats().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestSession_StartAfterClose(t *testing.T) {
	session, _, sink, arbiter := newTestSession(t)

	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}

	if _, held := arbiter.Holder(); held {
		t.Error("no lease should be held after Close")
	}
	if len(sink.Writes()) != 0 {
		t.Errorf("writes after Close = %v, want none", sink.Writes())
	}
}
