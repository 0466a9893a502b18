// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestControlChannelCheckCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.RegisterCritical("control_channel", ControlChannelCheck(
		func() bool { return false },
		func() bool { return false },
	))

	status, checks := c.Health(context.Background())
	if status != StatusUnhealthy {
		t.Fatalf("expected StatusUnhealthy, got %v", status)
	}
	if len(checks) != 1 || !checks[0].Critical {
		t.Fatalf("expected one critical check, got %+v", checks)
	}
}

func TestArenaPoolCheckNonCriticalFailureIsDegraded(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("arena_pool", ArenaPoolCheck(func() int { return 0 }, 2))

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Fatalf("expected StatusDegraded, got %v", status)
	}
	if checks[0].Critical {
		t.Fatal("arena pool check should be registered non-critical")
	}
}

func TestConnTableCheckPassesUnderThreshold(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("conntable_size", ConnTableCheck(func() int { return 5 }, 100))

	status, _ := c.Health(context.Background())
	if status != StatusHealthy {
		t.Fatalf("expected StatusHealthy, got %v", status)
	}
}

func TestHealthMixesCriticalAndNonCriticalToUnhealthy(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("arena_pool", ArenaPoolCheck(func() int { return 0 }, 2))
	c.RegisterCritical("control_channel", ControlChannelCheck(
		func() bool { return false },
		func() bool { return false },
	))

	status, _ := c.Health(context.Background())
	if status != StatusUnhealthy {
		t.Fatalf("a failing critical check must dominate a failing non-critical one, got %v", status)
	}
}

func TestReadinessFailsOnDegradedNonCriticalCheck(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("arena_pool", ArenaPoolCheck(func() int { return 0 }, 2))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ready", nil)
	c.ReadinessHandler()(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 for a degraded non-critical check, got %d", rec.Code)
	}
}

func TestHTTPHandlerStillServesDegraded(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("arena_pool", ArenaPoolCheck(func() int { return 0 }, 2))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	c.HTTPHandler()(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 for /health even when degraded, got %d", rec.Code)
	}
}
