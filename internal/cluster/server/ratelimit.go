package server

import (
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
)

// RateLimitConfig configures the connection rate limiter (spec section
// 4.1.1 / section 6).
type RateLimitConfig struct {
	MaxAttempts      int
	Window           time.Duration
	BaseBlock        time.Duration
	MaxBlock         time.Duration
}

// DefaultRateLimitConfig matches the spec's default knob values.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 5,
		Window:      60 * time.Second,
		BaseBlock:   30 * time.Second,
		MaxBlock:    3600 * time.Second,
	}
}

// rateLimitEntry is the ConnectionRateLimitEntry of spec section 3.1, kept
// in memory only, one per client IP.
type rateLimitEntry struct {
	attempts            int
	firstAttempt        time.Time
	lastAttempt         time.Time
	blockedUntil        time.Time
	consecutiveFailures int
}

// RateLimiter enforces per-IP connection attempt limits with escalating
// exponential backoff, grounded on the original ConnectionRateLimiter's
// sliding-window-plus-backoff design. A single lock protects the whole map;
// contention is acceptable because it's touched once per new connection,
// not per message (spec section 5).
type RateLimiter struct {
	cfg   RateLimitConfig
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewRateLimiter creates a RateLimiter with the given config.
func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	return &RateLimiter{cfg: cfg, clock: clk, entries: make(map[string]*rateLimitEntry)}
}

// Allow reports whether a new connection attempt from ip should proceed. If
// the IP is currently blocked, it returns false without mutating any other
// state. Otherwise it records the attempt and, if this attempt pushes the
// IP over MaxAttempts within the current window, sets blockedUntil and
// returns false.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &rateLimitEntry{firstAttempt: now}
		rl.entries[ip] = e
	}

	if now.Before(e.blockedUntil) {
		metrics.ClusterRateLimitBlocks.Inc()
		return false
	}

	// Sliding window: once the window has elapsed since the first attempt,
	// reset the attempt counter but keep consecutiveFailures (that's what
	// drives escalating backoff across windows, per spec section 4.1.1).
	if now.Sub(e.firstAttempt) > rl.cfg.Window {
		e.firstAttempt = now
		e.attempts = 0
	}

	e.attempts++
	e.lastAttempt = now

	if e.attempts > rl.cfg.MaxAttempts {
		e.consecutiveFailures++
		e.blockedUntil = now.Add(rl.blockDuration(e.consecutiveFailures))
		metrics.ClusterRateLimitBlocks.Inc()
		return false
	}

	return true
}

// blockDuration computes min(base * 2^failures, max), per spec section
// 4.1.1.
func (rl *RateLimiter) blockDuration(failures int) time.Duration {
	shift := failures
	if shift > 30 {
		shift = 30
	}
	d := rl.cfg.BaseBlock << uint(shift-1) //nolint:gosec // capped above
	if d > rl.cfg.MaxBlock || d <= 0 {
		d = rl.cfg.MaxBlock
	}
	return d
}

// RecordSuccess clears the attempt counter and failure count for ip, per
// spec section 4.1.1: "a successful authentication clears both."
func (rl *RateLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, ip)
}

// Cleanup discards entries whose last activity is older than 2x the window
// and whose block (if any) has expired. Intended to run periodically from
// a background loop alongside C4/C5.
func (rl *RateLimiter) Cleanup() int {
	now := rl.clock.Now()
	staleAfter := 2 * rl.cfg.Window

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, e := range rl.entries {
		if now.Sub(e.lastAttempt) > staleAfter && now.After(e.blockedUntil) {
			delete(rl.entries, ip)
			removed++
		}
	}
	return removed
}
