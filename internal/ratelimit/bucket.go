// Package ratelimit implements the two throttles used by the bridge: an
// in-memory token bucket in front of the page-facing router and a durable
// per-method cooldown in the background process.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config sizes a token bucket.
type Config struct {
	MaxTokens  float64
	RefillRate float64 // tokens per second
}

// DefaultConfig is the relay bucket: 20 requests of burst, 5 per second.
var DefaultConfig = Config{MaxTokens: 20, RefillRate: 5}

// State is the mutable part of a token bucket.
type State struct {
	Tokens     float64
	LastRefill time.Time
}

// NewState returns a full bucket.
func NewState(cfg Config, now time.Time) State {
	return State{Tokens: cfg.MaxTokens, LastRefill: now}
}

// Check refills the bucket for the time elapsed since LastRefill and tries to
// take one token. LastRefill always advances to now, including on rejection,
// so a rejected caller does not lose the refill it accrued.
func Check(state State, cfg Config, now time.Time) (next State, limited bool) {
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(cfg.MaxTokens, state.Tokens+elapsed*cfg.RefillRate)
	if tokens < 0 {
		tokens = 0
	}

	next = State{Tokens: tokens, LastRefill: now}
	if next.Tokens >= 1 {
		next.Tokens--
		return next, false
	}
	return next, true
}

// Bucket is a mutex-guarded token bucket with a set of exempt operation
// types that bypass it entirely.
type Bucket struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	exempt map[string]struct{}
	now    func() time.Time
}

// NewBucket constructs a full bucket. A zero config falls back to
// DefaultConfig; a nil now falls back to time.Now.
func NewBucket(cfg Config, now func() time.Time, exempt ...string) *Bucket {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultConfig
	}
	if now == nil {
		now = time.Now
	}
	b := &Bucket{
		cfg:    cfg,
		state:  NewState(cfg, now()),
		exempt: make(map[string]struct{}, len(exempt)),
		now:    now,
	}
	for _, t := range exempt {
		b.exempt[t] = struct{}{}
	}
	return b
}

// Exempt marks an operation type as never rate limited.
func (b *Bucket) Exempt(opType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exempt[opType] = struct{}{}
}

// IsExempt reports whether opType bypasses the bucket.
func (b *Bucket) IsExempt(opType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exempt[opType]
	return ok
}

// Allow consumes a token for opType. Exempt types never consume.
func (b *Bucket) Allow(opType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exempt[opType]; ok {
		return true
	}
	next, limited := Check(b.state, b.cfg, b.now())
	b.state = next
	return !limited
}

// Tokens returns the tokens currently available, without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Tokens
}
