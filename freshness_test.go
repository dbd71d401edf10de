package vitalsguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshnessWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(testEpoch)
	v := NewFreshnessValidator(NewMemoryReplayStore(4, clock.Now), 5*time.Minute, clock.Now)

	tests := []struct {
		name string
		ts   time.Time
		want Freshness
	}{
		{"now", testEpoch, Fresh},
		{"oldest edge", testEpoch.Add(-5 * time.Minute), Fresh},
		{"newest edge", testEpoch.Add(5 * time.Minute), Fresh},
		{"too old", testEpoch.Add(-5*time.Minute - time.Second), TooOld},
		{"too far ahead", testEpoch.Add(5*time.Minute + time.Second), TooFarFuture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Check(ctx, "P-1", tt.ts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, 5*time.Minute, v.MaxSkew())
}

func TestFreshnessReplay(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(testEpoch)
	v := NewFreshnessValidator(NewMemoryReplayStore(0, clock.Now), time.Minute, clock.Now)

	got, err := v.Check(ctx, "P-1", testEpoch)
	require.NoError(t, err)
	require.Equal(t, Fresh, got)

	clock.Advance(time.Second)
	got, err = v.Check(ctx, "P-1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, Replayed, got, "identical timestamp is a replay")

	got, err = v.Check(ctx, "P-2", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, Fresh, got, "replay identity includes the patient")

	got, err = v.Check(ctx, "P-1", testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Fresh, got, "a strictly new timestamp is accepted")

	require.NoError(t, v.Release(ctx, "P-1", testEpoch))
	got, err = v.Check(ctx, "P-1", testEpoch)
	require.NoError(t, err)
	assert.Equal(t, Fresh, got, "released pairs can be reserved again")
}

type failingReplayStore struct{}

func (failingReplayStore) Reserve(context.Context, string, time.Time, time.Time) (bool, error) {
	return false, errors.New("down")
}
func (failingReplayStore) Release(context.Context, string, time.Time) error { return nil }
func (failingReplayStore) HealthCheck(context.Context) error                { return errors.New("down") }

func TestFreshnessStoreError(t *testing.T) {
	v := NewFreshnessValidator(failingReplayStore{}, 0, nil)
	got, err := v.Check(context.Background(), "P-1", time.Now())
	assert.Error(t, err)
	assert.Equal(t, Replayed, got)
}

func TestFreshnessReasons(t *testing.T) {
	assert.Equal(t, ReasonStale, TooOld.Reason())
	assert.Equal(t, ReasonFutureSkew, TooFarFuture.Reason())
	assert.Equal(t, ReasonReplayed, Replayed.Reason())
	assert.Equal(t, ReasonNone, Fresh.Reason())
	assert.Equal(t, "TooFarFuture", TooFarFuture.String())
}
