package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// HitLevel names which tier answered a Get call.
type HitLevel string

const (
	HitL1      HitLevel = "L1"
	HitL2      HitLevel = "L2"
	HitL3      HitLevel = "L3"
	HitMiss    HitLevel = "miss"
)

// FallbackFunc produces the authoritative value on an L1/L2 miss.
type FallbackFunc func(ctx context.Context) (any, error)

// Cache implements C5's three-tier get-with-fallback contract.
type Cache struct {
	l1     *L1
	l2     *L2 // nil when L2 is disabled
	logger *slog.Logger
}

func New(l1 *L1, l2 *L2, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, logger: logger}
}

// Get implements the get-with-fallback algorithm: L1, then L2 (if the
// breaker is closed), then fallback. dest must be a pointer; on an L1
// or L2 hit the cached bytes are JSON-decoded into it.
func (c *Cache) Get(ctx context.Context, key string, priority Priority, ttlL1, ttlL2 time.Duration, dest any, fallback FallbackFunc) (HitLevel, error) {
	if raw, ok := c.l1.Get(key); ok {
		if err := json.Unmarshal(raw, dest); err == nil {
			return HitL1, nil
		}
	}

	if c.l2 != nil {
		if raw, ok := c.l2.Get(ctx, key); ok {
			if err := json.Unmarshal(raw, dest); err == nil {
				c.l1.Set(key, raw, ttlL1, priority)
				return HitL2, nil
			}
		}
	}

	value, err := fallback(ctx)
	if err != nil {
		return HitL3, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return HitL3, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return HitL3, err
	}

	c.l1.Set(key, raw, ttlL1, priority)
	if c.l2 != nil {
		c.l2.Set(ctx, key, raw, ttlL2)
	}
	return HitL3, nil
}

// Set writes across L1 and L2 (never L3, which is upstream of the
// cache per spec.md §4.5).
func (c *Cache) Set(ctx context.Context, key string, value any, priority Priority, ttlL1, ttlL2 time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.l1.Set(key, raw, ttlL1, priority)
	if c.l2 != nil {
		c.l2.Set(ctx, key, raw, ttlL2)
	}
	return nil
}

// InvalidatePattern removes matching keys from L1 synchronously and
// schedules the same removal on L2 asynchronously, returning the
// synchronous (L1) count removed.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	n := c.l1.InvalidatePattern(pattern)
	if c.l2 != nil {
		c.l2.InvalidatePattern(ctx, redisGlob(pattern))
	}
	return n
}

// redisGlob is the identity function today; Redis SCAN MATCH already
// uses '*' glob syntax, the same subset L1's matcher implements.
func redisGlob(pattern string) string { return pattern }

// WarmFunc loads one hot pattern's entries ahead of traffic.
type WarmFunc struct {
	Name    string
	Load    func(ctx context.Context) (map[string]any, error)
	TTLL1   time.Duration
	TTLL2   time.Duration
	MaxKeys int
}

// Warm preloads every pattern in funcs, best-effort, never blocking
// past budget. A slow or failing warmer is logged and skipped; it
// never fails startup.
func (c *Cache) Warm(ctx context.Context, budget time.Duration, funcs []WarmFunc) {
	warmCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, w := range funcs {
		entries, err := w.Load(warmCtx)
		if err != nil {
			c.logger.Warn("cache warm failed", "pattern", w.Name, "error", err)
			continue
		}
		n := 0
		for k, v := range entries {
			if w.MaxKeys > 0 && n >= w.MaxKeys {
				break
			}
			if err := c.Set(warmCtx, k, v, PriorityHigh, w.TTLL1, w.TTLL2); err != nil {
				continue
			}
			n++
		}
		c.logger.Info("cache warmed", "pattern", w.Name, "count", n)
	}
}

// Stats reports L1 size and L2 breaker state for C9.
type Stats struct {
	L1Size   int
	L2State  string
	L2Active bool
}

func (c *Cache) Stats() Stats {
	s := Stats{L1Size: c.l1.Len()}
	if c.l2 != nil {
		s.L2Active = true
		s.L2State = c.l2.State()
	}
	return s
}
