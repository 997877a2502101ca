package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// HMACHeader carries the payload signature expected by gotrack collectors.
const HMACHeader = "X-GoTrack-HMAC"

// DerivePublicKey derives the base64 public key a collector hands to clients
// from its shared secret.
func DerivePublicKey(secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("gotrack-public-key-derivation"))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)[:16])
}

// Signer computes payload signatures with a collector public key.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for the base64 public key, or nil when the key
// is empty. A nil Signer signs nothing.
func NewSigner(publicKey string) *Signer {
	if publicKey == "" {
		return nil
	}
	return &Signer{key: []byte(publicKey)}
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	if s == nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of payload, in constant time.
func (s *Signer) Verify(payload []byte, sig string) bool {
	if s == nil || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.Sign(payload)))
}
