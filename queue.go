package vitalsguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrQueueFull = errors.New("queue full")

// Queue is a bounded hand-off drained by a fixed worker pool. Enqueue never
// blocks; items that do not fit are counted and dropped.
type Queue[T any] struct {
	name    string
	ch      chan T
	workers int
	handle  func(ctx context.Context, item T)
	logger  *zap.Logger
	metrics MetricsCollector

	mu      sync.RWMutex
	closed  bool
	started sync.Once
	group   errgroup.Group
	dropped atomic.Uint64
}

func NewQueue[T any](name string, size, workers int, handle func(context.Context, T), logger *zap.Logger, metrics MetricsCollector) *Queue[T] {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue[T]{
		name:    name,
		ch:      make(chan T, size),
		workers: workers,
		handle:  handle,
		logger:  orNop(logger),
		metrics: orNopMetrics(metrics),
	}
}

// Start launches the workers. Calling it more than once has no effect.
// Workers keep the values of ctx but not its cancellation: they stop only
// when Close has drained the channel, so items queued during shutdown still
// reach the sinks.
func (q *Queue[T]) Start(ctx context.Context) {
	work := context.WithoutCancel(ctx)
	q.started.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.group.Go(func() error {
				for item := range q.ch {
					q.process(work, item)
				}
				return nil
			})
		}
	})
}

func (q *Queue[T]) process(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue worker panic", zap.String("queue", q.name), zap.Any("panic", r))
		}
	}()
	q.handle(ctx, item)
}

func (q *Queue[T]) Enqueue(item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		q.dropped.Add(1)
		q.metrics.IncrementCounter(MetricQueueDropped, map[string]string{"queue": q.name})
		return fmt.Errorf("%s: %w", q.name, ErrQueueFull)
	}
}

// Close stops accepting items and waits for the workers to drain what is
// already queued.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	return q.group.Wait()
}

func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue[T]) Len() int { return len(q.ch) }
