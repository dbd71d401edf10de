package vitalsguard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepTarget is a named structure the background sweeper trims.
type SweepTarget struct {
	Name  string
	Gauge string
	Sweeper
}

// BackgroundSweeper periodically evicts expired entries from in-memory
// structures and publishes their sizes.
type BackgroundSweeper struct {
	targets  []SweepTarget
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  MetricsCollector
}

func NewBackgroundSweeper(interval time.Duration, now func() time.Time, logger *zap.Logger, metrics MetricsCollector, targets ...SweepTarget) *BackgroundSweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &BackgroundSweeper{
		targets:  targets,
		interval: interval,
		now:      now,
		logger:   orNop(logger),
		metrics:  orNopMetrics(metrics),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *BackgroundSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass over every target and returns the number of
// evicted entries.
func (s *BackgroundSweeper) SweepOnce() int {
	now := s.now()
	total := 0
	for _, t := range s.targets {
		n := t.Sweep(now)
		total += n
		if n > 0 {
			s.metrics.IncrementCounter(MetricSwept, map[string]string{"structure": t.Name})
			s.logger.Debug("swept expired entries", zap.String("structure", t.Name), zap.Int("removed", n))
		}
		if t.Gauge != "" {
			s.metrics.SetGauge(t.Gauge, float64(t.Len()), nil)
		}
	}
	return total
}
