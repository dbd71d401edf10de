package vitalsguard

import (
	"context"
	"sync"
	"time"
)

// AnomalyLedger keeps the most recent anomaly records in a bounded ring for
// the admin feed.
type AnomalyLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records []AnomalyRecord
	head    int
	size    int
	now     func() time.Time
}

type AnomalySummary struct {
	ByReason    map[Reason]int `json:"byReason"`
	Sources     int            `json:"sources"`
	Total       int            `json:"total"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

var (
	_ AnomalySink = (*AnomalyLedger)(nil)
	_ Sweeper     = (*AnomalyLedger)(nil)
)

func NewAnomalyLedger(capacity int, ttl time.Duration, now func() time.Time) *AnomalyLedger {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &AnomalyLedger{
		ttl:     ttl,
		records: make([]AnomalyRecord, capacity),
		now:     now,
	}
}

func (l *AnomalyLedger) Name() string { return "ledger" }

func (l *AnomalyLedger) WriteAnomaly(_ context.Context, rec AnomalyRecord) error {
	l.Append(rec)
	return nil
}

// Append adds rec, overwriting the oldest record when the ring is full.
func (l *AnomalyLedger) Append(rec AnomalyRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.head + l.size) % len(l.records)
	l.records[idx] = rec
	if l.size < len(l.records) {
		l.size++
	} else {
		l.head = (l.head + 1) % len(l.records)
	}
}

// Snapshot returns up to limit live records, newest first. A limit of zero
// or less returns all of them.
func (l *AnomalyLedger) Snapshot(limit int) []AnomalyRecord {
	cutoff := l.now().Add(-l.ttl)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]AnomalyRecord, 0, limit)
	for i := l.size - 1; i >= 0 && len(out) < limit; i-- {
		rec := l.records[(l.head+i)%len(l.records)]
		if rec.Time.Before(cutoff) {
			break
		}
		out = append(out, rec)
	}
	return out
}

func (l *AnomalyLedger) Summary() AnomalySummary {
	summary := AnomalySummary{ByReason: make(map[Reason]int)}
	sources := make(map[string]struct{})
	for _, rec := range l.Snapshot(0) {
		summary.ByReason[rec.Reason]++
		summary.Total++
		sources[rec.Source] = struct{}{}
		if rec.Time.After(summary.LastUpdated) {
			summary.LastUpdated = rec.Time
		}
	}
	summary.Sources = len(sources)
	return summary
}

// Sweep drops records older than the ledger TTL.
func (l *AnomalyLedger) Sweep(now time.Time) int {
	cutoff := now.Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for l.size > 0 && l.records[l.head].Time.Before(cutoff) {
		l.records[l.head] = AnomalyRecord{}
		l.head = (l.head + 1) % len(l.records)
		l.size--
		removed++
	}
	return removed
}

func (l *AnomalyLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
