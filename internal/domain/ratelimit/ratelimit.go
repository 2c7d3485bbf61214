// Package ratelimit enforces the two per-license message counters (daily,
// per-minute) and the single global LLM cooldown flag, behind one Limiter
// interface so callers never branch on whether Redis is configured.
// Grounded on orris-inc-orris's internal/infrastructure/ratelimit package
// (interface-over-backend shape, INCR-based counters), simplified to the
// fixed-window INCR+EXPIRE counters the distilled spec actually calls for
// rather than that package's sliding-window sorted-set scheme.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window names a counter's reset period.
type Window string

const (
	WindowDaily  Window = "daily"
	WindowMinute Window = "minute"
)

func (w Window) ttl() time.Duration {
	if w == WindowDaily {
		return 24 * time.Hour
	}
	return time.Minute
}

// Limiter tracks per-license counters and a single shared cooldown flag.
type Limiter interface {
	// Incr increments the counter for (licenseID, window) and returns the
	// new count alongside whether it exceeds limit.
	Incr(ctx context.Context, licenseID int64, window Window, limit int) (count int, limited bool, err error)
	// Peek reports whether the counter for (licenseID, window) is already
	// at or over limit, without incrementing it — used by the AI
	// orchestrator's pre-flight check, which must not itself count as a
	// message toward the limit.
	Peek(ctx context.Context, licenseID int64, window Window, limit int) (limited bool, err error)
	// Cooldown reports whether the global LLM cooldown is currently active.
	Cooldown(ctx context.Context) (bool, error)
	// SetCooldown activates the global cooldown for the given duration.
	SetCooldown(ctx context.Context, d time.Duration) error
}

func counterKey(licenseID int64, window Window) string {
	return fmt.Sprintf("almudeer:ratelimit:%d:%s", licenseID, window)
}

const cooldownKey = "almudeer:cooldown"

// RedisLimiter implements Limiter against a shared redis.Client, used
// whenever REDIS_URL is configured so counters are consistent across
// multiple engine processes.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedis wraps client as a Limiter.
func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Incr(ctx context.Context, licenseID int64, window Window, limit int) (int, bool, error) {
	key := counterKey(licenseID, window)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	count := int(incr.Val())
	return count, limit > 0 && count > limit, nil
}

func (l *RedisLimiter) Peek(ctx context.Context, licenseID int64, window Window, limit int) (bool, error) {
	key := counterKey(licenseID, window)
	val, err := l.client.Get(ctx, key).Int()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("ratelimit: peek %s: %w", key, err)
	}
	return limit > 0 && val >= limit, nil
}

func (l *RedisLimiter) Cooldown(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, cooldownKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: check cooldown: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLimiter) SetCooldown(ctx context.Context, d time.Duration) error {
	if err := l.client.Set(ctx, cooldownKey, "1", d).Err(); err != nil {
		return fmt.Errorf("ratelimit: set cooldown: %w", err)
	}
	return nil
}

// counterEntry is one in-process fallback counter.
type counterEntry struct {
	count     int
	expiresAt time.Time
}

// InProcLimiter implements Limiter with a TTL map, used when REDIS_URL is
// unset (single-process deployments, local development).
type InProcLimiter struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	cooldownUntil time.Time
}

// NewInProc returns an empty in-process Limiter.
func NewInProc() *InProcLimiter {
	return &InProcLimiter{counters: make(map[string]*counterEntry)}
}

func (l *InProcLimiter) Incr(_ context.Context, licenseID int64, window Window, limit int) (int, bool, error) {
	key := counterKey(licenseID, window)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(window.ttl())}
		l.counters[key] = entry
	}
	entry.count++
	return entry.count, limit > 0 && entry.count > limit, nil
}

func (l *InProcLimiter) Peek(_ context.Context, licenseID int64, window Window, limit int) (bool, error) {
	key := counterKey(licenseID, window)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.counters[key]
	if !ok || now.After(entry.expiresAt) {
		return false, nil
	}
	return limit > 0 && entry.count >= limit, nil
}

func (l *InProcLimiter) Cooldown(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.cooldownUntil), nil
}

func (l *InProcLimiter) SetCooldown(_ context.Context, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldownUntil = time.Now().Add(d)
	return nil
}
