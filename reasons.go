package vitalsguard

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies why a request was rejected. The zero value means the
// request was not rejected.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonRateExceeded       Reason = "RateExceeded"
	ReasonStale              Reason = "Stale"
	ReasonFutureSkew         Reason = "FutureSkew"
	ReasonReplayed           Reason = "Replayed"
	ReasonUnauthorizedDevice Reason = "UnauthorizedDevice"
	ReasonForgedSignature    Reason = "ForgedSignature"
	ReasonMalformedPayload   Reason = "MalformedPayload"
)

// Reasons lists every rejection reason in stage order.
var Reasons = []Reason{
	ReasonRateExceeded,
	ReasonMalformedPayload,
	ReasonStale,
	ReasonFutureSkew,
	ReasonReplayed,
	ReasonUnauthorizedDevice,
	ReasonForgedSignature,
}

// StatusCode maps a reason to the coarse HTTP outcome a client sees.
func (r Reason) StatusCode() int {
	switch r {
	case ReasonNone:
		return http.StatusOK
	case ReasonRateExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// Transient reports whether a well-behaved client may retry the same bytes
// after backing off. Only rate rejections are transient.
func (r Reason) Transient() bool {
	return r == ReasonRateExceeded
}

func (r Reason) String() string {
	if r == ReasonNone {
		return "None"
	}
	return string(r)
}

// ParseReason converts a stored reason string back into a Reason.
func ParseReason(s string) (Reason, error) {
	for _, r := range Reasons {
		if string(r) == s {
			return r, nil
		}
	}
	return ReasonNone, fmt.Errorf("unknown reject reason %q", s)
}

// RejectError carries a reject reason through error returns.
type RejectError struct {
	Reason Reason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason Reason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reject reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ReasonNone
}

var (
	ErrUnknownTenant = errors.New("vitalsguard: unknown api key")
	ErrUnknownDevice = errors.New("vitalsguard: unknown device")
	ErrQueueClosed   = errors.New("vitalsguard: queue closed")
)
