package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "schemesathi:gateway:ratelimit:login", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestLimiterBlocksAboveQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3)
	// Keys follow the gateway's path|clientIP convention.
	const caller = "/api/auth/login|203.0.113.50"
	for i := 0; i < 3; i++ {
		if !limiter.Allow(caller) {
			t.Fatalf("request %d within quota was blocked", i+1)
		}
	}
	if limiter.Allow(caller) {
		t.Fatal("request over quota was allowed")
	}
}

func TestLimiterTracksCallersIndependently(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	if !limiter.Allow("/api/auth/login|203.0.113.50") {
		t.Fatal("first caller blocked")
	}
	if !limiter.Allow("/api/auth/login|198.51.100.2") {
		t.Fatal("quota of one caller consumed another caller's budget")
	}
	if !limiter.Allow("/api/auth/signup|203.0.113.50") {
		t.Fatal("quota shared across different endpoints")
	}
}

func TestLimiterFailsClosedWhenRedisIsDown(t *testing.T) {
	limiter, srv := newTestLimiter(t, 5)
	srv.Close()
	if limiter.Allow("/api/auth/login|203.0.113.50") {
		t.Fatal("limiter allowed traffic with redis unreachable")
	}
}

func TestLimiterConstructorValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "x", 1, time.Minute); err == nil {
		t.Error("limiter built without a redis address")
	}
	srv := miniredis.RunT(t)
	if _, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "x", 0, time.Minute); err == nil {
		t.Error("limiter built with a zero limit")
	}
	if _, err := NewRedisFixedWindowLimiter(srv.Addr(), "", "x", 1, 0); err == nil {
		t.Error("limiter built with a zero window")
	}
}
