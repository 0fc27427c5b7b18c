package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/storage"
)

// StorageKey is where the cooldown map lives in the persistent tier.
const StorageKey = "rateLimits"

const (
	// DefaultCooldown is the minimum gap between two calls of one method.
	DefaultCooldown = time.Second
	// Retention bounds how long an entry is kept after its last use.
	Retention = 60 * time.Second
)

// Cooldown is a per-method limiter whose state survives process restarts. It
// persists a map of method to last invocation (unix ms) and allows a method
// again once the cooldown has elapsed.
type Cooldown struct {
	area     storage.Area
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	// serialises read-modify-write of the stored map within this process
	mu sync.Mutex
}

// CooldownDependencies collects the collaborators of a Cooldown.
type CooldownDependencies struct {
	Area   storage.Area
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewCooldown builds a limiter over the given area. A non-positive cooldown
// falls back to DefaultCooldown.
func NewCooldown(cooldown time.Duration, deps CooldownDependencies) (*Cooldown, error) {
	if deps.Area == nil {
		return nil, errors.New("ratelimit: storage area is required")
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Cooldown{
		area:     deps.Area,
		cooldown: cooldown,
		now:      now,
		logger:   logger.With().Str("component", "cooldown_limiter").Logger(),
	}, nil
}

// Allow reports whether method may run now and, if so, records the call.
// Expired entries are collected on the same write.
func (c *Cooldown) Allow(ctx context.Context, method string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	now := c.now()
	nowMs := now.UnixMilli()
	removed := collect(entries, nowMs)

	if last, ok := entries[method]; ok && nowMs-last < c.cooldown.Milliseconds() {
		if removed > 0 {
			if err := storage.SetJSON(ctx, c.area, StorageKey, entries); err != nil {
				return false, fmt.Errorf("ratelimit: persist cooldowns: %w", err)
			}
		}
		c.logger.Debug().Str("method", method).Msg("ratelimit: method in cooldown")
		return false, nil
	}

	entries[method] = nowMs
	if err := storage.SetJSON(ctx, c.area, StorageKey, entries); err != nil {
		return false, fmt.Errorf("ratelimit: persist cooldowns: %w", err)
	}
	return true, nil
}

// GC drops entries older than Retention and returns how many were removed.
func (c *Cooldown) GC(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := collect(entries, c.now().UnixMilli())
	if removed == 0 {
		return 0, nil
	}
	if len(entries) == 0 {
		return removed, c.area.Remove(ctx, StorageKey)
	}
	return removed, storage.SetJSON(ctx, c.area, StorageKey, entries)
}

// RunGC collects expired entries every interval until ctx is done.
func (c *Cooldown) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = Retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.GC(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("ratelimit: cooldown gc failed")
			} else if n > 0 {
				c.logger.Debug().Int("removed", n).Msg("ratelimit: cooldown gc")
			}
		}
	}
}

func (c *Cooldown) load(ctx context.Context) (map[string]int64, error) {
	raw, err := c.area.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: load cooldowns: %w", err)
	}
	entries := make(map[string]int64)
	if raw == nil {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn().Err(err).Msg("ratelimit: resetting unreadable cooldown map")
		return make(map[string]int64), nil
	}
	return entries, nil
}

func collect(entries map[string]int64, nowMs int64) int {
	removed := 0
	for method, last := range entries {
		if nowMs-last > Retention.Milliseconds() {
			delete(entries, method)
			removed++
		}
	}
	return removed
}
