// Package ratelimit guards the mutating API surface — run starts,
// resumes, agent and schedule writes — with per-client token buckets.
// Clients are the gateway's API-key identities, so one integration
// cannot starve another's run quota. Thread-safe; no background
// goroutines — refill and stale-bucket cleanup happen lazily on Allow.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
// The gateway maps it to HTTP 429.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets idle longer than this are dropped; a client that stopped
// calling keeps no memory allocated on its behalf.
const staleAfter = 15 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in a bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // bucket capacity
	lastPurge time.Time
}

type bucket struct {
	tokens  float64
	updated time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastPurge: time.Now(),
	}
}

// Allow consumes one token for the client. On refusal the error wraps
// ErrRateLimited and names the wait until the next token, so API
// callers see when a run start will be admitted again.
func (l *Limiter) Allow(clientID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.purgeStale(now)

	b, ok := l.clients[clientID]
	if !ok {
		// First request: a full bucket, so short bursts right after
		// authentication are not penalized.
		b = &bucket{tokens: l.burst, updated: now}
		l.clients[clientID] = b
	}

	// Lazy refill for the elapsed interval, capped at the burst size.
	b.tokens += now.Sub(b.updated).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.updated = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return fmt.Errorf("%w: next token in %s", ErrRateLimited, wait.Round(time.Second))
	}
	b.tokens--
	return nil
}

// purgeStale drops buckets idle past staleAfter. Runs at most once per
// staleAfter window; callers hold the mutex.
func (l *Limiter) purgeStale(now time.Time) {
	if now.Sub(l.lastPurge) < staleAfter {
		return
	}
	for id, b := range l.clients {
		if now.Sub(b.updated) > staleAfter {
			delete(l.clients, id)
		}
	}
	l.lastPurge = now
}
