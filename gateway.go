package vitalsguard

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rate limit key sources.
const (
	KeyByIP     = "ip"
	KeyByAPIKey = "apiKey"
)

// Verdict is the terminal outcome of one evaluation.
type Verdict struct {
	State State
	// Reached is the last state the request passed before a rejection.
	Reached   State
	Reason    Reason
	Stage     Stage
	Detail    string
	ID        string
	TenantID  string
	PatientID string
	Decision  Decision
}

func (v Verdict) Accepted() bool { return v.State == StateAccepted }

type GatewayOptions struct {
	Authenticator Authenticator
	Keys          KeyResolver
	Limiter       RateLimiter
	Freshness     *FreshnessValidator
	Devices       *DeviceValidator
	Anomalies     *AnomalyLogger
	Forwarder     *Forwarder
	KeyBy         string
	Logger        *zap.Logger
	Metrics       MetricsCollector
	Now           func() time.Time
}

// Gateway runs every inbound message through the verification stages in
// a fixed order. Any stage can end the evaluation with a rejection.
type Gateway struct {
	auth      Authenticator
	keys      KeyResolver
	limiter   RateLimiter
	freshness *FreshnessValidator
	devices   *DeviceValidator
	anomalies *AnomalyLogger
	forwarder *Forwarder
	keyBy     string
	logger    *zap.Logger
	metrics   MetricsCollector
	now       func() time.Time
	pipeline  []stage
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	switch {
	case opts.Authenticator == nil:
		return nil, errors.New("gateway: authenticator is required")
	case opts.Keys == nil:
		return nil, errors.New("gateway: key resolver is required")
	case opts.Limiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case opts.Freshness == nil:
		return nil, errors.New("gateway: freshness validator is required")
	case opts.Devices == nil:
		return nil, errors.New("gateway: device validator is required")
	}
	g := &Gateway{
		auth:      opts.Authenticator,
		keys:      opts.Keys,
		limiter:   opts.Limiter,
		freshness: opts.Freshness,
		devices:   opts.Devices,
		anomalies: opts.Anomalies,
		forwarder: opts.Forwarder,
		keyBy:     opts.KeyBy,
		logger:    orNop(opts.Logger),
		metrics:   orNopMetrics(opts.Metrics),
		now:       opts.Now,
	}
	if g.keyBy == "" {
		g.keyBy = KeyByIP
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.anomalies == nil {
		g.anomalies = NewAnomalyLogger(AnomalyLoggerOptions{Logger: g.logger, Metrics: g.metrics})
	}
	if g.forwarder == nil {
		g.forwarder = NewForwarder(ForwarderOptions{Logger: g.logger, Metrics: g.metrics})
	}
	g.pipeline = g.stages()
	return g, nil
}

func (g *Gateway) Mode() TransportMode { return g.auth.Mode() }

// RateKey is the key a request is counted under.
func (g *Gateway) RateKey(req *Request) string {
	if g.keyBy == KeyByAPIKey && req.APIKey != "" {
		return "key:" + req.APIKey
	}
	return "ip:" + req.SourceIP
}

// Evaluate decides whether req is accepted. Rejections are recorded with the
// anomaly logger; accepted readings are handed to the forwarder.
func (g *Gateway) Evaluate(ctx context.Context, req *Request) Verdict {
	start := time.Now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = g.now()
	}
	ev := &evaluation{
		req:     req,
		source:  g.RateKey(req),
		reached: StateReceived,
	}
	if t, ok := g.keys.TenantByAPIKey(req.APIKey); ok {
		ev.tenant = t
	}

	for _, st := range g.pipeline {
		reason, detail := st.run(ctx, ev)
		if reason != ReasonNone {
			v := g.rejectWith(ctx, ev, st.name, reason, detail)
			g.observe(start, v)
			return v
		}
		ev.reached = st.reaches
	}

	v := g.accept(ev)
	g.observe(start, v)
	return v
}

func (g *Gateway) rejectWith(ctx context.Context, ev *evaluation, name Stage, reason Reason, detail string) Verdict {
	if ev.reserved {
		// a rejected message must not burn the timestamp for the real sender
		if err := g.freshness.Release(ctx, ev.msg.PatientID, ev.msg.Timestamp); err != nil {
			g.logger.Error("replay release failed",
				zap.String("patient_id", ev.msg.PatientID), zap.Error(err))
		}
	}
	rec := AnomalyRecord{
		Source:  ev.req.SourceIP,
		Reason:  reason,
		Stage:   name,
		Detail:  detail,
		Payload: string(ev.req.Body),
		Time:    ev.req.ReceivedAt.UTC(),
	}
	if ev.tenant != nil {
		rec.TenantID = ev.tenant.ID
	}
	if ev.msg != nil {
		rec.PatientID = ev.msg.PatientID
	}
	rec = g.anomalies.Record(rec)
	return Verdict{
		State:     StateRejected,
		Reached:   ev.reached,
		Reason:    reason,
		Stage:     name,
		Detail:    detail,
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		PatientID: rec.PatientID,
		Decision:  ev.decision,
	}
}

func (g *Gateway) accept(ev *evaluation) Verdict {
	id := uuid.NewString()
	reading := NewAcceptedReading(id, ev.tenant.ID, ev.msg, ev.req.ReceivedAt)
	if err := g.forwarder.Forward(reading); err != nil {
		g.logger.Error("reading not forwarded", zap.String("reading_id", id), zap.Error(err))
	}
	g.logger.Debug("reading accepted",
		zap.String("reading_id", id),
		zap.String("tenant_id", ev.tenant.ID),
		zap.String("patient_id", ev.msg.PatientID))
	return Verdict{
		State:     StateAccepted,
		Reached:   StateAccepted,
		ID:        id,
		TenantID:  ev.tenant.ID,
		PatientID: ev.msg.PatientID,
		Decision:  ev.decision,
	}
}

func (g *Gateway) observe(start time.Time, v Verdict) {
	outcome := "accepted"
	reason := "none"
	if !v.Accepted() {
		outcome = "rejected"
		reason = string(v.Reason)
	}
	g.metrics.IncrementCounter(MetricRequests, map[string]string{"outcome": outcome, "reason": reason})
	g.metrics.ObserveHistogram(MetricVerifySeconds, time.Since(start).Seconds(), map[string]string{"outcome": outcome})
}

// HealthCheck reports the first failing dependency.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if err := g.limiter.HealthCheck(ctx); err != nil {
		return err
	}
	return g.freshness.store.HealthCheck(ctx)
}

func (g *Gateway) Anomalies() *AnomalyLogger { return g.anomalies }

// Start launches the background workers of the anomaly logger and the
// forwarder.
func (g *Gateway) Start(ctx context.Context) {
	g.anomalies.Start(ctx)
	g.forwarder.Start(ctx)
}

// Close drains queued anomalies and readings.
func (g *Gateway) Close() error {
	return errors.Join(g.anomalies.Close(), g.forwarder.Close())
}
