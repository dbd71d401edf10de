package vitalsguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundSweeperSweepOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(testEpoch)
	replay := NewMemoryReplayStore(4, clock.Now)
	ledger := NewAnomalyLedger(16, time.Minute, clock.Now)
	metrics := NewInMemoryMetricsCollector()

	for i := 0; i < 3; i++ {
		ok, err := replay.Reserve(ctx, "P-1", testEpoch.Add(time.Duration(i)*time.Second), testEpoch.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ledger.Append(AnomalyRecord{ID: "a", Time: testEpoch, Reason: ReasonStale})

	s := NewBackgroundSweeper(time.Second, clock.Now, nil, metrics,
		SweepTarget{Name: "replay", Gauge: MetricReplayEntries, Sweeper: replay},
		SweepTarget{Name: "ledger", Sweeper: ledger},
	)

	assert.Zero(t, s.SweepOnce(), "nothing has expired yet")
	assert.EqualValues(t, 3, metrics.GetGaugeValue(MetricReplayEntries, nil))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 4, s.SweepOnce())
	assert.Zero(t, replay.Len())
	assert.Zero(t, ledger.Len())
	assert.Zero(t, metrics.GetGaugeValue(MetricReplayEntries, nil))
	assert.EqualValues(t, 1, metrics.GetCounterValue(MetricSwept, map[string]string{"structure": "replay"}))
	assert.EqualValues(t, 1, metrics.GetCounterValue(MetricSwept, map[string]string{"structure": "ledger"}))
}

func TestBackgroundSweeperRunStopsOnCancel(t *testing.T) {
	clock := newTestClock(testEpoch)
	replay := NewMemoryReplayStore(1, clock.Now)
	_, err := replay.Reserve(context.Background(), "P-1", testEpoch, testEpoch.Add(time.Second))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	s := NewBackgroundSweeper(5*time.Millisecond, clock.Now, nil, nil, SweepTarget{Name: "replay", Sweeper: replay})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return replay.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
