package vitalsguard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxPayload = 4096

// AnomalyRecord is one rejected request. Records are values; once handed to
// the logger they are never modified.
type AnomalyRecord struct {
	ID        string    `json:"id" db:"id"`
	Time      time.Time `json:"time" db:"recorded_at"`
	Source    string    `json:"source" db:"source"`
	TenantID  string    `json:"tenantId,omitempty" db:"tenant_id"`
	PatientID string    `json:"patientId,omitempty" db:"patient_id"`
	Reason    Reason    `json:"reason" db:"reason"`
	Stage     Stage     `json:"stage" db:"stage"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	Payload   string    `json:"payload,omitempty" db:"payload"`
}

type AnomalyLoggerOptions struct {
	Sinks      []AnomalySink
	Ledger     *AnomalyLedger
	QueueSize  int
	Workers    int
	MaxPayload int
	Logger     *zap.Logger
	Metrics    MetricsCollector
	Now        func() time.Time
}

// AnomalyLogger records every rejection. The in-memory ledger is updated
// inline; the remaining sinks are fed from a bounded queue.
type AnomalyLogger struct {
	sinks      []AnomalySink
	ledger     *AnomalyLedger
	queue      *Queue[AnomalyRecord]
	maxPayload int
	logger     *zap.Logger
	metrics    MetricsCollector
	now        func() time.Time
}

func NewAnomalyLogger(opts AnomalyLoggerOptions) *AnomalyLogger {
	l := &AnomalyLogger{
		sinks:      opts.Sinks,
		ledger:     opts.Ledger,
		maxPayload: opts.MaxPayload,
		logger:     orNop(opts.Logger),
		metrics:    orNopMetrics(opts.Metrics),
		now:        opts.Now,
	}
	if l.maxPayload <= 0 {
		l.maxPayload = defaultMaxPayload
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.queue = NewQueue("anomalies", opts.QueueSize, opts.Workers, l.fanOut, l.logger, l.metrics)
	return l
}

// Record stamps rec with an ID and time if it lacks them, logs it, and
// dispatches it to the sinks. The stored record is returned.
func (l *AnomalyLogger) Record(rec AnomalyRecord) AnomalyRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = l.now().UTC()
	}
	if len(rec.Payload) > l.maxPayload {
		rec.Payload = rec.Payload[:l.maxPayload]
	}

	l.logger.Warn("request rejected",
		zap.String("anomaly_id", rec.ID),
		zap.String("reason", string(rec.Reason)),
		zap.String("stage", string(rec.Stage)),
		zap.String("source", rec.Source),
		zap.String("tenant_id", rec.TenantID),
		zap.String("patient_id", rec.PatientID),
		zap.String("detail", rec.Detail),
	)
	if l.ledger != nil {
		l.ledger.Append(rec)
	}
	if len(l.sinks) > 0 {
		if err := l.queue.Enqueue(rec); err != nil {
			l.logger.Error("anomaly dropped", zap.String("anomaly_id", rec.ID), zap.Error(err))
		}
	}
	return rec
}

func (l *AnomalyLogger) fanOut(ctx context.Context, rec AnomalyRecord) {
	for _, sink := range l.sinks {
		if err := sink.WriteAnomaly(ctx, rec); err != nil {
			l.metrics.IncrementCounter(MetricSinkErrors, map[string]string{"sink": sink.Name()})
			l.logger.Error("anomaly sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("anomaly_id", rec.ID),
				zap.Error(err))
		}
	}
}

func (l *AnomalyLogger) Ledger() *AnomalyLedger { return l.ledger }

func (l *AnomalyLogger) Start(ctx context.Context) { l.queue.Start(ctx) }

// Close flushes queued records to the sinks.
func (l *AnomalyLogger) Close() error { return l.queue.Close() }

func (l *AnomalyLogger) Dropped() uint64 { return l.queue.Dropped() }
