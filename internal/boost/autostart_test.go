package boost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-autovol/internal/volume"
)

func waitActive(t *testing.T, session *Session, want bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for session.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Active() did not become %v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAutoStarter_EnableStarts(t *testing.T) {
	session, _, _, _ := newTestSession(t)

	auto := NewAutoStarter(context.Background(), session, volume.DefaultSettings(), 10*time.Millisecond, nil)
	auto.Enable()

	waitActive(t, session, true)
	if !auto.Enabled() {
		t.Error("Enabled() = false after Enable")
	}

	auto.Disable()
	waitActive(t, session, false)
}

func TestAutoStarter_RetriesUntilSinkReadable(t *testing.T) {
	session, _, sink, _ := newTestSession(t)

	sink.FailReads(errors.New("head unit offline"))

	auto := NewAutoStarter(context.Background(), session, volume.DefaultSettings(), 10*time.Millisecond, nil)
	auto.Enable()
	defer auto.Disable()

	time.Sleep(40 * time.Millisecond)
	if session.Active() {
		t.Fatal("session should not start while the sink is unreadable")
	}

	sink.FailReads(nil)
	waitActive(t, session, true)
}

func TestAutoStarter_FollowsPreferenceFlips(t *testing.T) {
	session, _, sink, _ := newTestSession(t)

	settings := volume.DefaultSettings()
	auto := NewAutoStarter(context.Background(), session, settings, 10*time.Millisecond, nil)

	// Unrelated change: no flip, nothing starts
	settings.Sensitivity = volume.SensitivityHigh
	auto.Follow(settings)
	time.Sleep(30 * time.Millisecond)
	if session.Active() {
		t.Fatal("session started without an auto_boost flip")
	}

	settings.AutoBoost = true
	auto.Follow(settings)
	waitActive(t, session, true)

	settings.AutoBoost = false
	auto.Follow(settings)
	if session.Active() {
		t.Fatal("session should stop when auto_boost is turned off")
	}

	step, _ := sink.GetStep(context.Background())
	if step != startStep {
		t.Errorf("step after disable = %d, want restored %d", step, startStep)
	}
}

func TestAutoStarter_StopsAfterSessionClosed(t *testing.T) {
	session, _, sink, _ := newTestSession(t)

	sink.FailReads(errors.New("head unit offline"))

	auto := NewAutoStarter(context.Background(), session, volume.DefaultSettings(), 10*time.Millisecond, nil)
	auto.Enable()

	time.Sleep(30 * time.Millisecond)
	session.Close()
	sink.FailReads(nil)

	time.Sleep(40 * time.Millisecond)
	if session.Active() {
		t.Error("session started after Close")
	}

	auto.Disable()
}
