package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent(ComponentSpeedSource, true, "redis")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	source, ok := status.Components[ComponentSpeedSource]
	if !ok {
		t.Fatal("expected speed_source component")
	}

	if !source.Healthy {
		t.Error("expected speed_source to be healthy")
	}

	if source.Message != "redis" {
		t.Errorf("expected message 'redis', got %s", source.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent(ComponentSpeedSource, true, "ok")
	checker.SetComponent(ComponentVolumeSink, false, "head unit not connected")

	status := checker.GetStatus()

	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent(ComponentVolumeSink, false, "error")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	checker.SetComponent(ComponentVolumeSink, true, "recovered")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_Refresh(t *testing.T) {
	checker := NewChecker("1.0.0")

	var sinkUp atomic.Bool
	checker.Register(ComponentSpeedSource, func() (bool, string) { return true, "mock" })
	checker.Register(ComponentVolumeSink, func() (bool, string) {
		if sinkUp.Load() {
			return true, "remote"
		}
		return false, "remote disconnected"
	})
	checker.Register(ComponentBoostSession, func() (bool, string) { return true, "inactive" })

	checker.Refresh()

	status := checker.GetStatus()
	if len(status.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(status.Components))
	}
	if status.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}
	if msg := status.Components[ComponentVolumeSink].Message; msg != "remote disconnected" {
		t.Errorf("unexpected sink message %q", msg)
	}

	sinkUp.Store(true)
	checker.Refresh()

	if !checker.IsHealthy() {
		t.Error("expected healthy after sink reconnects")
	}
}

func TestChecker_Run(t *testing.T) {
	checker := NewChecker("1.0.0")

	var calls atomic.Int32
	checker.Register(ComponentSpeedSource, func() (bool, string) {
		calls.Add(1)
		return true, ""
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	checker.Run(ctx, 10*time.Millisecond)

	if calls.Load() < 3 {
		t.Errorf("expected several refreshes, got %d", calls.Load())
	}
}
