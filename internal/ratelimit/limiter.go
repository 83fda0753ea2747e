// Package ratelimit implements fixed-window request limiting on Redis.
// Windows are INCR+EXPIRE counters; when Redis is unreachable the
// limiter fails open so a cache outage never blocks the message plane.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/hub/internal/core"
)

// Counter is the subset of Redis the limiter needs. Tests substitute a
// fake; production wraps *redis.Client.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisCounter adapts go-redis to the Counter interface.
type RedisCounter struct {
	Client *redis.Client
}

func (r *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return r.Client.Incr(ctx, key).Result()
}

func (r *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.Client.Expire(ctx, key, ttl).Err()
}

// Limiter enforces per-key fixed windows. A nil counter disables
// limiting entirely (dev mode without Redis).
type Limiter struct {
	counter Counter
	log     *slog.Logger
}

func New(counter Counter, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{counter: counter, log: log}
}

// APIKeyKey and OrgKey build the canonical limiter key spaces.
func APIKeyKey(keyID string) string { return "rl:api:" + keyID }
func OrgKey(orgID string) string    { return "rl:org:" + orgID }

// Allow consumes one unit from the window for key. It returns a
// KindRateLimited error once the window's count exceeds limit. Redis
// errors log a warning and allow the request through.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	if l.counter == nil || limit <= 0 {
		return nil
	}
	windowed := fmt.Sprintf("%s:%d", key, time.Now().Unix()/int64(window.Seconds()))
	n, err := l.counter.Incr(ctx, windowed)
	if err != nil {
		l.log.Warn("rate limiter unavailable, failing open", "key", key, "error", err)
		return nil
	}
	if n == 1 {
		if err := l.counter.Expire(ctx, windowed, window+time.Second); err != nil {
			l.log.Warn("rate limiter expire failed", "key", key, "error", err)
		}
	}
	if n > int64(limit) {
		return core.E(core.KindRateLimited, "rate limit exceeded for %s", key)
	}
	return nil
}
