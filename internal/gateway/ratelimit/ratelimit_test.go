package ratelimit_test

import (
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/ratelimit"
)

func TestLimiter_BurstThenReject(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{Requests: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if err := l.Allow("agent-1"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}

	err := l.Allow("agent-1")
	if err == nil {
		t.Fatal("request over burst should be rejected")
	}
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("wrong kind: %s", fault.KindOf(err))
	}
	if fault.RetryAfterOf(err) < time.Second {
		t.Fatalf("retry-after should be at least a second, got %v", fault.RetryAfterOf(err))
	}
}

func TestLimiter_AgentsIsolated(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{Requests: 1, Window: time.Minute})

	if err := l.Allow("agent-1"); err != nil {
		t.Fatalf("first agent: %v", err)
	}
	if err := l.Allow("agent-1"); err == nil {
		t.Fatal("first agent should now be limited")
	}
	if err := l.Allow("agent-2"); err != nil {
		t.Fatalf("second agent must have its own bucket: %v", err)
	}
}

func TestLimiter_RefillAdmitsAgain(t *testing.T) {
	// A tight window keeps the test fast without faking the clock;
	// rate.Limiter owns its own time source.
	l := ratelimit.New(ratelimit.Config{Requests: 1, Window: 50 * time.Millisecond})

	if err := l.Allow("agent-1"); err != nil {
		t.Fatalf("initial: %v", err)
	}
	if err := l.Allow("agent-1"); err == nil {
		t.Fatal("should be limited immediately after burst")
	}
	time.Sleep(60 * time.Millisecond)
	if err := l.Allow("agent-1"); err != nil {
		t.Fatalf("token should have refilled: %v", err)
	}
}
