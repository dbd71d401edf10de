package vitalsguard

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TimestampLayout is the second-precision UTC layout devices transmit.
const TimestampLayout = "2006-01-02T15:04:05Z"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Vitals is a single reading from a bedside or wearable device.
type Vitals struct {
	HeartRate int     `json:"heartRate" validate:"gte=1,lte=300"`
	SpO2      int     `json:"spo2" validate:"gte=1,lte=100"`
	Temp      float64 `json:"temp" validate:"gte=25,lte=45"`
}

// VitalsMessage is a decoded telemetry message. Raw holds the exact bytes
// that were authenticated; nothing downstream re-serializes the message
// before verification.
type VitalsMessage struct {
	PatientID    string    `json:"patientId"`
	Timestamp    time.Time `json:"-"`
	RawTimestamp string    `json:"timestamp"`
	Vitals       Vitals    `json:"vitals"`
	DeviceID     string    `json:"deviceId,omitempty"`
	Token        string    `json:"token,omitempty"`
	Raw          []byte    `json:"-"`
	// IntegrityHash is the optional envelope hash of the AEAD transport.
	IntegrityHash string `json:"-"`
}

// HasDeviceIdentity reports whether the message carries any device field.
func (m *VitalsMessage) HasDeviceIdentity() bool {
	return m.DeviceID != "" || m.Token != ""
}

type wireMessage struct {
	PatientID string  `json:"patientId" validate:"required,max=128"`
	Timestamp string  `json:"timestamp" validate:"required,max=64"`
	Vitals    *Vitals `json:"vitals" validate:"required"`
	DeviceID  string  `json:"deviceId" validate:"max=128"`
	Token     string  `json:"token" validate:"max=256"`
}

// DecodeMessage parses raw as a vitals message. The returned message keeps
// raw as its Raw field. Any decode or validation failure is a
// MalformedPayload rejection.
func DecodeMessage(raw []byte) (*VitalsMessage, error) {
	if len(raw) == 0 {
		return nil, reject(ReasonMalformedPayload, "empty body")
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, reject(ReasonMalformedPayload, "decode: %v", err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, reject(ReasonMalformedPayload, "validate: %s", describeValidation(err))
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return nil, reject(ReasonMalformedPayload, "timestamp: %v", err)
	}
	return &VitalsMessage{
		PatientID:    w.PatientID,
		Timestamp:    ts,
		RawTimestamp: w.Timestamp,
		Vitals:       *w.Vitals,
		DeviceID:     w.DeviceID,
		Token:        w.Token,
		Raw:          raw,
	}, nil
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC.
// Fractional seconds and explicit offsets are tolerated.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// FormatTimestamp renders t the way devices transmit it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
