package vitalsguard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Authenticity is the outcome of the signature stage.
type Authenticity int

const (
	Forged Authenticity = iota
	Authentic
)

func (a Authenticity) String() string {
	if a == Authentic {
		return "Authentic"
	}
	return "Forged"
}

// HmacAuthenticator verifies X-Signature headers: hex HMAC-SHA256 over the
// request body exactly as received.
type HmacAuthenticator struct{}

var _ Authenticator = HmacAuthenticator{}

func NewHmacAuthenticator() HmacAuthenticator {
	return HmacAuthenticator{}
}

func (HmacAuthenticator) Mode() TransportMode { return ModeHMAC }

// Open decodes the plain JSON body. Raw keeps the received bytes so the
// signature is later checked against them, never against a re-encoding.
func (HmacAuthenticator) Open(req *Request, _ *Tenant) (*VitalsMessage, error) {
	return DecodeMessage(req.Body)
}

func (a HmacAuthenticator) Authenticate(req *Request, _ *VitalsMessage, tenant *Tenant) Authenticity {
	if tenant == nil {
		return Forged
	}
	return a.Verify(req.Body, req.Signature, tenant.HMACSecret)
}

// Verify recomputes the HMAC over raw and compares it in constant time with
// the hex-encoded claim. An absent or undecodable claim is Forged.
func (HmacAuthenticator) Verify(raw []byte, claimed string, secret []byte) Authenticity {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" || len(secret) == 0 {
		return Forged
	}
	got, err := hex.DecodeString(claimed)
	if err != nil || len(got) != sha256.Size {
		return Forged
	}
	if hmac.Equal(got, computeHMAC(raw, secret)) {
		return Authentic
	}
	return Forged
}

// Sign returns the hex HMAC-SHA256 of raw under secret.
func Sign(raw, secret []byte) string {
	return hex.EncodeToString(computeHMAC(raw, secret))
}

func computeHMAC(raw, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return mac.Sum(nil)
}
