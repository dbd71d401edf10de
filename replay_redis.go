package vitalsguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisReplayStore shares the replay window between gateway replicas. Each
// pair is a key written with SET NX and a TTL equal to its retention
// horizon, so Redis does the eviction. When Redis is unreachable the store
// degrades to an in-process fallback.
type RedisReplayStore struct {
	client   redis.UniversalClient
	prefix   string
	timeout  time.Duration
	fallback *MemoryReplayStore
	now      func() time.Time
	logger   *zap.Logger
}

var _ ReplayStore = (*RedisReplayStore)(nil)

func NewRedisReplayStore(client redis.UniversalClient, prefix string, timeout time.Duration, now func() time.Time, logger *zap.Logger) *RedisReplayStore {
	if prefix == "" {
		prefix = "vg:replay"
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisReplayStore{
		client:   client,
		prefix:   prefix,
		timeout:  timeout,
		fallback: NewMemoryReplayStore(0, now),
		now:      now,
		logger:   logger,
	}
}

func (s *RedisReplayStore) key(patientID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, patientID, ts.UnixNano())
}

func (s *RedisReplayStore) Reserve(ctx context.Context, patientID string, ts, expires time.Time) (bool, error) {
	ttl := expires.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.key(patientID, ts), 1, ttl).Result()
	if err != nil {
		s.logger.Warn("replay store unavailable, using local fallback",
			zap.String("patient_id", patientID), zap.Error(err))
		return s.fallback.Reserve(ctx, patientID, ts, expires)
	}
	return ok, nil
}

func (s *RedisReplayStore) Release(ctx context.Context, patientID string, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_ = s.fallback.Release(ctx, patientID, ts)
	if err := s.client.Del(ctx, s.key(patientID, ts)).Err(); err != nil {
		return fmt.Errorf("replay release: %w", err)
	}
	return nil
}

// Sweep only trims the local fallback; Redis expires its own keys.
func (s *RedisReplayStore) Sweep(now time.Time) int {
	return s.fallback.Sweep(now)
}

func (s *RedisReplayStore) Len() int {
	return s.fallback.Len()
}

func (s *RedisReplayStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("replay store ping: %w", err)
	}
	return nil
}
