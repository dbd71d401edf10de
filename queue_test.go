package vitalsguard

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainsOnClose(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	q := NewQueue("test", 16, 3, func(_ context.Context, n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}, nil, nil)
	q.Start(context.Background())
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.NoError(t, q.Close())
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.ErrorIs(t, q.Enqueue(11), ErrQueueClosed)
	require.NoError(t, q.Close(), "closing twice is harmless")
}

func TestQueueDropsWhenFull(t *testing.T) {
	metrics := NewInMemoryMetricsCollector()
	q := NewQueue("anomalies", 2, 1, func(context.Context, string) {}, nil, metrics)

	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))
	err := q.Enqueue("c")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.EqualValues(t, 1, q.Dropped())
	assert.EqualValues(t, 1, metrics.GetCounterValue(MetricQueueDropped, map[string]string{"queue": "anomalies"}))

	q.Start(context.Background())
	require.NoError(t, q.Close())
	assert.Equal(t, 0, q.Len())
}

func TestQueueSurvivesHandlerPanic(t *testing.T) {
	var (
		mu   sync.Mutex
		done []string
	)
	q := NewQueue("test", 4, 1, func(_ context.Context, s string) {
		if s == "boom" {
			panic("handler failed")
		}
		mu.Lock()
		done = append(done, s)
		mu.Unlock()
	}, nil, nil)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("boom"))
	require.NoError(t, q.Enqueue("b"))
	require.NoError(t, q.Close())
	assert.Equal(t, []string{"a", "b"}, done)
}

func TestQueueDrainsAfterStartContextCancelled(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	q := NewQueue("test", 8, 2, func(ctx context.Context, _ int) {
		mu.Lock()
		errs = append(errs, ctx.Err())
		mu.Unlock()
	}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.NoError(t, q.Close())
	require.Len(t, errs, 5)
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
