package vitalsguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiting algorithms.
const (
	AlgorithmFixedWindow   = "fixed"
	AlgorithmSlidingWindow = "sliding"
	AlgorithmTokenBucket   = "token"
)

const defaultBucketShards = 64

// RateLimitBucket is the per-source counter state. It is owned by a single
// limiter shard and only touched under that shard's lock.
type RateLimitBucket struct {
	Count       int
	Previous    int
	WindowStart time.Time
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*RateLimitBucket
}

type shardedBuckets struct {
	shards []*bucketShard
	mask   uint32
}

func newShardedBuckets(n int) shardedBuckets {
	n = roundPow2(n, defaultBucketShards)
	sb := shardedBuckets{shards: make([]*bucketShard, n), mask: uint32(n - 1)}
	for i := range sb.shards {
		sb.shards[i] = &bucketShard{buckets: make(map[string]*RateLimitBucket)}
	}
	return sb
}

func (sb shardedBuckets) shard(key string) *bucketShard {
	return sb.shards[fnv32(key)&sb.mask]
}

func (sb shardedBuckets) sweep(idle func(b *RateLimitBucket) bool) int {
	removed := 0
	for _, sh := range sb.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if idle(b) {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (sb shardedBuckets) count() int {
	total := 0
	for _, sh := range sb.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}

// FixedWindowLimiter counts requests per source in windows that start with
// the source's first request and reset once the window elapses.
type FixedWindowLimiter struct {
	buckets shardedBuckets
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewFixedWindowLimiter(limit int, window time.Duration, now func() time.Time) *FixedWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &FixedWindowLimiter{
		buckets: newShardedBuckets(0),
		limit:   limit,
		window:  window,
		now:     now,
	}
}

func (rl *FixedWindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.now()
	sh := rl.buckets.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, exists := sh.buckets[key]
	if !exists || now.Sub(b.WindowStart) >= rl.window {
		b = &RateLimitBucket{WindowStart: now}
		sh.buckets[key] = b
	}
	b.Count++
	return Decision{
		Allowed:   b.Count <= rl.limit,
		Limit:     rl.limit,
		Remaining: max(rl.limit-b.Count, 0),
		ResetAt:   b.WindowStart.Add(rl.window),
	}, nil
}

func (rl *FixedWindowLimiter) Sweep(now time.Time) int {
	return rl.buckets.sweep(func(b *RateLimitBucket) bool {
		return now.Sub(b.WindowStart) >= rl.window
	})
}

func (rl *FixedWindowLimiter) Len() int { return rl.buckets.count() }

func (rl *FixedWindowLimiter) HealthCheck(context.Context) error { return nil }

// SlidingWindowLimiter approximates a sliding window by weighting the
// previous aligned window's count by how much of it still overlaps.
type SlidingWindowLimiter struct {
	buckets shardedBuckets
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration, now func() time.Time) *SlidingWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{
		buckets: newShardedBuckets(0),
		limit:   limit,
		window:  window,
		now:     now,
	}
}

func (rl *SlidingWindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.now()
	start := now.Truncate(rl.window)
	sh := rl.buckets.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, exists := sh.buckets[key]
	if !exists {
		b = &RateLimitBucket{WindowStart: start}
		sh.buckets[key] = b
	}
	if !b.WindowStart.Equal(start) {
		if start.Sub(b.WindowStart) == rl.window {
			b.Previous = b.Count
		} else {
			b.Previous = 0
		}
		b.Count = 0
		b.WindowStart = start
	}
	overlap := 1 - float64(now.Sub(start))/float64(rl.window)
	estimated := float64(b.Previous)*overlap + float64(b.Count)
	d := Decision{Limit: rl.limit, ResetAt: start.Add(rl.window)}
	if estimated+1 > float64(rl.limit) {
		return d, nil
	}
	b.Count++
	d.Allowed = true
	d.Remaining = max(rl.limit-int(estimated)-1, 0)
	return d, nil
}

func (rl *SlidingWindowLimiter) Sweep(now time.Time) int {
	return rl.buckets.sweep(func(b *RateLimitBucket) bool {
		return now.Sub(b.WindowStart) >= 2*rl.window
	})
}

func (rl *SlidingWindowLimiter) Len() int { return rl.buckets.count() }

func (rl *SlidingWindowLimiter) HealthCheck(context.Context) error { return nil }

// TokenBucketLimiter implements RateLimiter using token bucket algorithm
type TokenBucketLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*tokenBucket
	capacity int
	window   time.Duration
	now      func() time.Time
}

type tokenBucket struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewTokenBucketLimiter refills capacity tokens per window with a burst of
// capacity.
func NewTokenBucketLimiter(capacity int, window time.Duration, now func() time.Time) *TokenBucketLimiter {
	if now == nil {
		now = time.Now
	}
	return &TokenBucketLimiter{
		buckets:  make(map[string]*tokenBucket),
		capacity: capacity,
		window:   window,
		now:      now,
	}
}

func (rl *TokenBucketLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if !exists {
		rl.mu.Lock()
		bucket, exists = rl.buckets[key]
		if !exists {
			every := rate.Limit(float64(rl.capacity) / rl.window.Seconds())
			bucket = &tokenBucket{limiter: rate.NewLimiter(every, rl.capacity)}
			rl.buckets[key] = bucket
		}
		rl.mu.Unlock()
	}

	now := rl.now()
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.lastSeen = now

	allowed := bucket.limiter.AllowN(now, 1)
	perToken := time.Duration(float64(time.Second) / float64(bucket.limiter.Limit()))
	return Decision{
		Allowed:   allowed,
		Limit:     rl.capacity,
		Remaining: max(int(bucket.limiter.TokensAt(now)), 0),
		ResetAt:   now.Add(perToken),
	}, nil
}

// Sweep drops buckets idle for a whole window; by then they have refilled
// and are indistinguishable from new ones.
func (rl *TokenBucketLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) >= rl.window
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

func (rl *TokenBucketLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// HealthCheck performs a health check on the rate limiter
func (rl *TokenBucketLimiter) HealthCheck(context.Context) error {
	return nil
}

// NewMemoryRateLimiter builds an in-process limiter for algorithm.
func NewMemoryRateLimiter(algorithm string, limit int, window time.Duration, now func() time.Time) (RateLimiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	switch algorithm {
	case "", AlgorithmFixedWindow:
		return NewFixedWindowLimiter(limit, window, now), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(limit, window, now), nil
	case AlgorithmTokenBucket:
		return NewTokenBucketLimiter(limit, window, now), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", algorithm)
	}
}
