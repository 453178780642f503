package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_UnlimitedWhenZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter refused request %d: %v", i, err)
		}
	}
}

func TestAllow_ExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("client-1"); err != nil {
			t.Fatalf("request %d within burst refused: %v", i, err)
		}
	}
	if err := l.Allow("client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("client-1"); err != nil {
		t.Fatalf("client-1 first request: %v", err)
	}
	if err := l.Allow("client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("client-1 should be limited, got %v", err)
	}
	if err := l.Allow("client-2"); err != nil {
		t.Fatalf("client-2 must have its own bucket: %v", err)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("client-1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("client-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Backdate the bucket instead of sleeping: two seconds at 1 rps is
	// enough for a fresh token.
	l.mu.Lock()
	l.clients["client-1"].updated = time.Now().Add(-2 * time.Second)
	l.mu.Unlock()

	if err := l.Allow("client-1"); err != nil {
		t.Fatalf("expected a refilled token, got %v", err)
	}
}

func TestPurge_DropsStaleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})

	if err := l.Allow("old-client"); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	l.mu.Lock()
	l.clients["old-client"].updated = time.Now().Add(-2 * staleAfter)
	l.lastPurge = time.Now().Add(-2 * staleAfter)
	l.mu.Unlock()

	if err := l.Allow("fresh-client"); err != nil {
		t.Fatalf("fresh request: %v", err)
	}

	l.mu.Lock()
	_, stale := l.clients["old-client"]
	l.mu.Unlock()
	if stale {
		t.Fatal("stale bucket survived the purge")
	}
}
