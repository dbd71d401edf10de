package vitalsguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisRateLimiter is a fixed window limiter whose counters live in Redis so
// every replica sees the same budget. On Redis errors it degrades to a local
// FixedWindowLimiter rather than failing open.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	prefix   string
	limit    int
	window   time.Duration
	timeout  time.Duration
	fallback *FixedWindowLimiter
	now      func() time.Time
	logger   *zap.Logger
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, now func() time.Time, logger *zap.Logger) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if prefix == "" {
		prefix = "vg:rl"
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRateLimiter{
		client:   client,
		prefix:   prefix,
		limit:    limit,
		window:   window,
		timeout:  200 * time.Millisecond,
		fallback: NewFixedWindowLimiter(limit, window, now),
		now:      now,
		logger:   logger,
	}, nil
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		l.logger.Warn("rate limiter backend unavailable, using local fallback",
			zap.String("key", key), zap.Error(err))
		return l.fallback.Allow(ctx, key)
	}
	count, ttlMs := int(res[0]), res[1]
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: max(l.limit-count, 0),
		ResetAt:   l.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

// Sweep trims the local fallback only.
func (l *RedisRateLimiter) Sweep(now time.Time) int { return l.fallback.Sweep(now) }

func (l *RedisRateLimiter) Len() int { return l.fallback.Len() }

func (l *RedisRateLimiter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rate limiter ping: %w", err)
	}
	return nil
}
