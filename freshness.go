package vitalsguard

import (
	"context"
	"time"
)

// Freshness is the outcome of the clock/replay stage.
type Freshness int

const (
	Fresh Freshness = iota
	TooOld
	TooFarFuture
	Replayed
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "Fresh"
	case TooOld:
		return "TooOld"
	case TooFarFuture:
		return "TooFarFuture"
	default:
		return "Replayed"
	}
}

// Reason maps a freshness outcome onto the reject taxonomy.
func (f Freshness) Reason() Reason {
	switch f {
	case TooOld:
		return ReasonStale
	case TooFarFuture:
		return ReasonFutureSkew
	case Replayed:
		return ReasonReplayed
	default:
		return ReasonNone
	}
}

// retentionMargin keeps entries slightly past the window edge so a pair
// can never be evicted while its timestamp is still acceptable.
const retentionMargin = time.Second

// FreshnessValidator enforces the acceptance window [now-maxSkew,
// now+maxSkew] and uniqueness of (patient, timestamp).
type FreshnessValidator struct {
	store   ReplayStore
	maxSkew time.Duration
	now     func() time.Time
}

func NewFreshnessValidator(store ReplayStore, maxSkew time.Duration, now func() time.Time) *FreshnessValidator {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &FreshnessValidator{store: store, maxSkew: maxSkew, now: now}
}

// MaxSkew returns the configured half-width of the acceptance window.
func (v *FreshnessValidator) MaxSkew() time.Duration { return v.maxSkew }

// Check classifies ts and, when it is fresh, reserves the pair in the
// replay store. Duplicate timestamps are rejected regardless of payload.
func (v *FreshnessValidator) Check(ctx context.Context, patientID string, ts time.Time) (Freshness, error) {
	now := v.now()
	if now.Sub(ts) > v.maxSkew {
		return TooOld, nil
	}
	if ts.Sub(now) > v.maxSkew {
		return TooFarFuture, nil
	}
	ok, err := v.store.Reserve(ctx, patientID, ts, ts.Add(v.maxSkew+retentionMargin))
	if err != nil {
		return Replayed, err
	}
	if !ok {
		return Replayed, nil
	}
	return Fresh, nil
}

// Release undoes a reservation for a message rejected by a later stage.
func (v *FreshnessValidator) Release(ctx context.Context, patientID string, ts time.Time) error {
	return v.store.Release(ctx, patientID, ts)
}
