package vitalsguard

import (
	"context"
	"time"
)

// TransportMode selects how inbound messages are authenticated. A
// deployment runs exactly one mode.
type TransportMode string

const (
	ModeHMAC TransportMode = "hmac"
	ModeAEAD TransportMode = "aead"
)

// Request is the transport-neutral view of one inbound ingestion call.
type Request struct {
	Body       []byte
	Signature  string
	APIKey     string
	SourceIP   string
	ReceivedAt time.Time
}

// Tenant groups the key material issued to one API key holder.
type Tenant struct {
	ID           string
	APIKeys      []string
	HMACSecret   []byte
	AEADKey      []byte
	IntegrityKey []byte
}

// Authenticator is the capability interface over the two mutually exclusive
// transport variants.
type Authenticator interface {
	Mode() TransportMode
	// Open turns the request into a message. Errors are *RejectError.
	Open(req *Request, tenant *Tenant) (*VitalsMessage, error)
	// Authenticate proves the message came from a holder of the tenant keys.
	Authenticate(req *Request, msg *VitalsMessage, tenant *Tenant) Authenticity
}

// KeyResolver looks up tenant and device secrets.
type KeyResolver interface {
	TenantByAPIKey(apiKey string) (*Tenant, bool)
	DeviceSecret(deviceID string) ([]byte, bool)
}

// ReplayStore remembers (patient, timestamp) pairs that have been seen.
type ReplayStore interface {
	// Reserve records the pair until expires. It reports false when the
	// pair is already present.
	Reserve(ctx context.Context, patientID string, ts, expires time.Time) (bool, error)
	// Release forgets a pair reserved by a message that was later rejected.
	Release(ctx context.Context, patientID string, ts time.Time) error
	HealthCheck(ctx context.Context) error
}

// RateLimiter interface for different algorithms
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	HealthCheck(ctx context.Context) error
}

// Decision is the result of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected client should back off.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Sweeper is implemented by in-memory structures that need periodic
// eviction. Stores with native TTLs do not implement it.
type Sweeper interface {
	Sweep(now time.Time) int
	Len() int
}

// AnomalySink receives every rejection record.
type AnomalySink interface {
	Name() string
	WriteAnomaly(ctx context.Context, rec AnomalyRecord) error
}

// VitalsSink receives accepted readings.
type VitalsSink interface {
	Name() string
	WriteReading(ctx context.Context, r AcceptedReading) error
}

// MetricsCollector interface for observability
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
}
