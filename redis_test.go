package vitalsguard

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRateLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clock := newTestClock(testEpoch)
	rl, err := NewRedisRateLimiter(client, "test:rl", 3, time.Second, clock.Now, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		d, err := rl.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}
	d, err := rl.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.ResetAt.After(clock.Now()))
	assert.LessOrEqual(t, d.ResetAt.Sub(clock.Now()), time.Second)

	assert.True(t, mr.Exists("test:rl:ip:1.2.3.4"))
	got, err := mr.Get("test:rl:ip:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "4", got)

	mr.FastForward(time.Second)
	d, err = rl.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "the key expires with the window")
	assert.NoError(t, rl.HealthCheck(ctx))
}

func TestRedisRateLimiterFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	rl, err := NewRedisRateLimiter(client, "", 2, time.Minute, nil, nil)
	require.NoError(t, err)
	mr.Close()

	for i := 0; i < 2; i++ {
		d, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the local fallback still enforces the limit")
	assert.Equal(t, 1, rl.Len())
	assert.Error(t, rl.HealthCheck(ctx))
}

func TestNewRedisRateLimiterValidates(t *testing.T) {
	_, client := newTestRedis(t)
	_, err := NewRedisRateLimiter(nil, "", 1, time.Second, nil, nil)
	assert.Error(t, err)
	_, err = NewRedisRateLimiter(client, "", 0, time.Second, nil, nil)
	assert.Error(t, err)
	_, err = NewRedisRateLimiter(client, "", 1, 0, nil, nil)
	assert.Error(t, err)
}

func TestRedisReplayStore(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clock := newTestClock(testEpoch)
	s := NewRedisReplayStore(client, "test:replay", 0, clock.Now, nil)
	key := "test:replay:P-1:" + strconv.FormatInt(testEpoch.UnixNano(), 10)

	ok, err := s.Reserve(ctx, "P-1", testEpoch, testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 5*time.Minute, mr.TTL(key))

	ok, err = s.Reserve(ctx, "P-1", testEpoch, testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "P-1", testEpoch))
	assert.False(t, mr.Exists(key))

	ok, err = s.Reserve(ctx, "P-1", testEpoch, testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(5 * time.Minute)
	assert.False(t, mr.Exists(key), "redis evicts entries past the retention horizon")
	assert.NoError(t, s.HealthCheck(ctx))
}

func TestRedisReplayStoreFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clock := newTestClock(testEpoch)
	s := NewRedisReplayStore(client, "", 50*time.Millisecond, clock.Now, nil)
	mr.Close()

	ok, err := s.Reserve(ctx, "P-1", testEpoch, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Reserve(ctx, "P-1", testEpoch, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "the fallback still detects replays")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Sweep(testEpoch.Add(time.Minute)))
	assert.Error(t, s.HealthCheck(ctx))
}
