package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakePinger struct {
	err   error
	calls atomic.Int64
}

func (p *fakePinger) Ping(context.Context) error {
	p.calls.Add(1)
	return p.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoQueue(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	queueCheck, ok := response.Checks["queue"]
	if !ok {
		t.Fatal("Expected queue check to be present")
	}
	if queueCheck.Status != StatusUnhealthy {
		t.Errorf("Expected queue check to be unhealthy, got %s", queueCheck.Status)
	}
}

func TestChecker_Readiness_QueueDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakePinger{err: errors.New("connection refused")})

	response := checker.Readiness(context.Background())

	if response.IsHealthy() {
		t.Fatal("Expected unhealthy response")
	}
	if msg := response.Checks["queue"].Message; msg != "connection refused" {
		t.Errorf("Expected ping error in message, got %q", msg)
	}
}

func TestChecker_Readiness_Cached(t *testing.T) {
	t.Parallel()
	p := &fakePinger{}
	checker := NewChecker(p)

	for range 5 {
		if !checker.Readiness(context.Background()).IsHealthy() {
			t.Fatal("Expected healthy response")
		}
	}
	if p.calls.Load() != 1 {
		t.Errorf("Expected 1 ping within the cache window, got %d", p.calls.Load())
	}

	checker.ttl = 0
	time.Sleep(time.Millisecond)
	checker.Readiness(context.Background())
	if p.calls.Load() != 2 {
		t.Errorf("Expected a fresh ping after expiry, got %d", p.calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&fakePinger{})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsHealthy() {
		t.Fatal("Expected unhealthy response while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}

func TestChecker_Probes(t *testing.T) {
	t.Parallel()
	failing := func(context.Context) error { return errors.New("missing") }
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		opts     []Option
		expected Status
	}{
		{"queue only", nil, StatusHealthy},
		{"optional probe ok", []Option{WithProbe("dataset_root", ok, false)}, StatusHealthy},
		{"optional probe failing", []Option{WithProbe("dataset_root", failing, false)}, StatusDegraded},
		{"required probe failing", []Option{WithProbe("dataset_root", failing, false), WithProbe("storage", failing, true)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(&fakePinger{}, tt.opts...).Readiness(context.Background())
			if response.Status != tt.expected {
				t.Errorf("Expected %s, got %s (%+v)", tt.expected, response.Status, response.Checks)
			}
			if len(response.Checks) != len(tt.opts)+1 {
				t.Errorf("Expected %d checks, got %d", len(tt.opts)+1, len(response.Checks))
			}
		})
	}
}
