package vitalsguard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	aeadKeySize   = 32
	aeadNonceSize = 12
	aeadTagSize   = 16
	hkdfInfo      = "vitalsguard aead v1"
)

// Key derivation methods for tenant AEAD keys.
const (
	KeyDerivationRaw  = "raw"
	KeyDerivationPad  = "pad"
	KeyDerivationHKDF = "hkdf"
)

var ErrInvalidKey = errors.New("vitalsguard: invalid aead key")

// AeadAuthenticator implements the legacy envelope transport: the body is
// {patientId, data, hash?} where data is base64(IV ‖ ciphertext ‖ tag)
// under AES-256-GCM. The GCM tag authenticates the payload; hash is an
// optional hex HMAC-SHA256 of the plaintext under the integrity key.
type AeadAuthenticator struct {
	RequireIntegrityHash bool
}

var _ Authenticator = (*AeadAuthenticator)(nil)

func NewAeadAuthenticator(requireHash bool) *AeadAuthenticator {
	return &AeadAuthenticator{RequireIntegrityHash: requireHash}
}

func (a *AeadAuthenticator) Mode() TransportMode { return ModeAEAD }

type aeadEnvelope struct {
	PatientID string `json:"patientId"`
	Data      string `json:"data"`
	Hash      string `json:"hash"`
}

// Open decrypts the envelope. A GCM failure is a forgery; the decrypted
// plaintext must itself be a complete vitals message for the same patient.
func (a *AeadAuthenticator) Open(req *Request, tenant *Tenant) (*VitalsMessage, error) {
	var env aeadEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, reject(ReasonMalformedPayload, "decode envelope: %v", err)
	}
	if env.PatientID == "" || env.Data == "" {
		return nil, reject(ReasonMalformedPayload, "envelope requires patientId and data")
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, reject(ReasonMalformedPayload, "envelope data: %v", err)
	}
	if len(sealed) < aeadNonceSize+aeadTagSize {
		return nil, reject(ReasonMalformedPayload, "envelope data too short")
	}
	if tenant == nil || len(tenant.AEADKey) != aeadKeySize {
		return nil, reject(ReasonForgedSignature, "no aead key for api key")
	}
	plain, err := openGCM(tenant.AEADKey, sealed)
	if err != nil {
		return nil, reject(ReasonForgedSignature, "gcm open: %v", err)
	}
	msg, err := DecodeMessage(plain)
	if err != nil {
		return nil, err
	}
	if msg.PatientID != env.PatientID {
		return nil, reject(ReasonForgedSignature, "envelope patient %q does not match payload", env.PatientID)
	}
	msg.IntegrityHash = env.Hash
	return msg, nil
}

// Authenticate checks the optional integrity hash. The GCM tag was already
// verified by Open.
func (a *AeadAuthenticator) Authenticate(_ *Request, msg *VitalsMessage, tenant *Tenant) Authenticity {
	if tenant == nil || msg == nil {
		return Forged
	}
	if msg.IntegrityHash == "" {
		if a.RequireIntegrityHash {
			return Forged
		}
		return Authentic
	}
	return HmacAuthenticator{}.Verify(msg.Raw, msg.IntegrityHash, tenant.IntegrityKey)
}

// DeriveAEADKey turns configured key material into a 32-byte AES key.
func DeriveAEADKey(method, material string) ([]byte, error) {
	if material == "" {
		return nil, fmt.Errorf("%w: empty key material", ErrInvalidKey)
	}
	switch method {
	case "", KeyDerivationRaw:
		key, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 key: %v", ErrInvalidKey, err)
		}
		if len(key) != aeadKeySize {
			return nil, fmt.Errorf("%w: key must be exactly %d bytes, got %d", ErrInvalidKey, aeadKeySize, len(key))
		}
		return key, nil
	case KeyDerivationPad:
		key := make([]byte, aeadKeySize)
		for i := range key {
			key[i] = '0'
		}
		copy(key, material)
		return key, nil
	case KeyDerivationHKDF:
		key := make([]byte, aeadKeySize)
		r := hkdf.New(sha256.New, []byte(material), nil, []byte(hkdfInfo))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("%w: hkdf: %v", ErrInvalidKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unknown key derivation %q", ErrInvalidKey, method)
	}
}

// SealEnvelopeData encrypts plaintext into the base64 data field of an
// envelope.
func SealEnvelopeData(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vitalsguard: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("%w: key must be exactly %d bytes, got %d", ErrInvalidKey, aeadKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}
