package vitalsguard

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// MinuteKeyLayout renders the wall-clock minute a device token rotates on.
const MinuteKeyLayout = "2006-01-02-15-04"

// DeviceVerdict is the outcome of the device identity stage.
type DeviceVerdict int

const (
	DeviceUnauthorized DeviceVerdict = iota
	DeviceAuthorized
	// DeviceAbsentPermitted marks a message without device fields that the
	// operator policy lets through at lower assurance.
	DeviceAbsentPermitted
)

func (v DeviceVerdict) String() string {
	switch v {
	case DeviceAuthorized:
		return "DeviceAuthorized"
	case DeviceAbsentPermitted:
		return "DeviceAbsentPermitted"
	default:
		return "UnauthorizedDevice"
	}
}

// MinuteKey formats t (in UTC) as YYYY-MM-DD-HH-MM.
func MinuteKey(t time.Time) string {
	return t.UTC().Format(MinuteKeyLayout)
}

// DeviceToken computes hex(SHA-256(secret ‖ minuteKey(t))).
func DeviceToken(secret []byte, t time.Time) string {
	sum := deviceTokenDigest(secret, MinuteKey(t))
	return hex.EncodeToString(sum[:])
}

func deviceTokenDigest(secret []byte, minuteKey string) [sha256.Size]byte {
	buf := make([]byte, 0, len(secret)+len(minuteKey))
	buf = append(buf, secret...)
	buf = append(buf, minuteKey...)
	return sha256.Sum256(buf)
}

// DeviceValidator checks rotating device tokens against the registered
// per-device secret.
type DeviceValidator struct {
	keys            KeyResolver
	skewMinutes     int
	allowDeviceless bool
	now             func() time.Time
}

func NewDeviceValidator(keys KeyResolver, skewMinutes int, allowDeviceless bool, now func() time.Time) *DeviceValidator {
	if skewMinutes < 0 {
		skewMinutes = 0
	}
	if now == nil {
		now = time.Now
	}
	return &DeviceValidator{
		keys:            keys,
		skewMinutes:     skewMinutes,
		allowDeviceless: allowDeviceless,
		now:             now,
	}
}

// Validate accepts the claimed token when it matches the token of the
// current minute or any minute within the configured skew.
func (v *DeviceValidator) Validate(deviceID, token string) DeviceVerdict {
	if deviceID == "" && token == "" {
		if v.allowDeviceless {
			return DeviceAbsentPermitted
		}
		return DeviceUnauthorized
	}
	if deviceID == "" || token == "" {
		return DeviceUnauthorized
	}
	claimed, err := hex.DecodeString(token)
	if err != nil || len(claimed) != sha256.Size {
		return DeviceUnauthorized
	}
	secret, ok := v.keys.DeviceSecret(deviceID)
	if !ok || len(secret) == 0 {
		return DeviceUnauthorized
	}
	now := v.now().UTC()
	matched := 0
	for _, key := range candidateMinuteKeys(now, v.skewMinutes) {
		expected := deviceTokenDigest(secret, key)
		matched |= subtle.ConstantTimeCompare(claimed, expected[:])
	}
	if matched == 1 {
		return DeviceAuthorized
	}
	return DeviceUnauthorized
}

// candidateMinuteKeys returns the current minute key followed by the
// adjacent keys out to skew minutes on either side.
func candidateMinuteKeys(now time.Time, skew int) []string {
	keys := make([]string, 0, 2*skew+1)
	keys = append(keys, MinuteKey(now))
	for i := 1; i <= skew; i++ {
		d := time.Duration(i) * time.Minute
		keys = append(keys, MinuteKey(now.Add(-d)), MinuteKey(now.Add(d)))
	}
	return keys
}
