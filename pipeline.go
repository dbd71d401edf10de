package vitalsguard

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
)

// Stage names a verification step.
type Stage string

const (
	StageRate      Stage = "rate"
	StageDecode    Stage = "decode"
	StageFreshness Stage = "freshness"
	StageDevice    Stage = "device"
	StageSignature Stage = "signature"
)

// State is the position of a request in the verification lifecycle.
type State string

const (
	StateReceived         State = "Received"
	StateRateChecked      State = "RateChecked"
	StateDecoded          State = "Decoded"
	StateFreshnessChecked State = "FreshnessChecked"
	StateDeviceChecked    State = "DeviceChecked"
	StateSignatureChecked State = "SignatureChecked"
	StateAccepted         State = "Accepted"
	StateRejected         State = "Rejected"
)

// evaluation carries one request through the stages.
type evaluation struct {
	req      *Request
	tenant   *Tenant
	msg      *VitalsMessage
	source   string
	decision Decision
	reserved bool
	reached  State
}

// stageFunc returns ReasonNone to let the request continue.
type stageFunc func(ctx context.Context, ev *evaluation) (Reason, string)

type stage struct {
	name    Stage
	reaches State
	run     stageFunc
}

// stages returns the fixed verification order. Rate limiting runs before
// anything touches the body; the signature is checked last so that cheap
// checks shed replayed and stale traffic first.
func (g *Gateway) stages() []stage {
	return []stage{
		{name: StageRate, reaches: StateRateChecked, run: g.checkRate},
		{name: StageDecode, reaches: StateDecoded, run: g.decode},
		{name: StageFreshness, reaches: StateFreshnessChecked, run: g.checkFreshness},
		{name: StageDevice, reaches: StateDeviceChecked, run: g.checkDevice},
		{name: StageSignature, reaches: StateSignatureChecked, run: g.checkSignature},
	}
}

func (g *Gateway) checkRate(ctx context.Context, ev *evaluation) (Reason, string) {
	d, err := g.limiter.Allow(ctx, ev.source)
	if err != nil {
		g.logger.Warn("rate limiter error, admitting request",
			zap.String("source", ev.source), zap.Error(err))
		return ReasonNone, ""
	}
	ev.decision = d
	if !d.Allowed {
		return ReasonRateExceeded, "limit of " + strconv.Itoa(d.Limit) + " per window reached"
	}
	return ReasonNone, ""
}

func (g *Gateway) decode(_ context.Context, ev *evaluation) (Reason, string) {
	msg, err := g.auth.Open(ev.req, ev.tenant)
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			return rej.Reason, rej.Detail
		}
		return ReasonMalformedPayload, err.Error()
	}
	ev.msg = msg
	return ReasonNone, ""
}

func (g *Gateway) checkFreshness(ctx context.Context, ev *evaluation) (Reason, string) {
	f, err := g.freshness.Check(ctx, ev.msg.PatientID, ev.msg.Timestamp)
	if err != nil {
		g.logger.Error("replay store failed, rejecting request",
			zap.String("patient_id", ev.msg.PatientID), zap.Error(err))
		return ReasonReplayed, "replay store unavailable"
	}
	if f == Fresh {
		ev.reserved = true
		return ReasonNone, ""
	}
	return f.Reason(), "timestamp " + ev.msg.RawTimestamp + " is " + f.String()
}

func (g *Gateway) checkDevice(_ context.Context, ev *evaluation) (Reason, string) {
	switch g.devices.Validate(ev.msg.DeviceID, ev.msg.Token) {
	case DeviceAuthorized, DeviceAbsentPermitted:
		return ReasonNone, ""
	}
	if !ev.msg.HasDeviceIdentity() {
		return ReasonUnauthorizedDevice, "device identity missing"
	}
	return ReasonUnauthorizedDevice, "device " + ev.msg.DeviceID + " token rejected"
}

func (g *Gateway) checkSignature(_ context.Context, ev *evaluation) (Reason, string) {
	if ev.tenant == nil {
		return ReasonForgedSignature, "unknown api key"
	}
	if g.auth.Authenticate(ev.req, ev.msg, ev.tenant) != Authentic {
		return ReasonForgedSignature, string(g.auth.Mode()) + " verification failed"
	}
	return ReasonNone, ""
}
