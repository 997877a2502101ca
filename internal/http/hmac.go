package httpx

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/shortontech/trackpipe/internal/transport"
)

// Verifier checks the X-GoTrack-HMAC signature on relayed batches. Clients
// sign with the public key derived from the relay secret.
type Verifier struct {
	signer    *transport.Signer
	publicKey string
	require   bool
	logger    *slog.Logger
}

// NewVerifier creates a verifier for secret. When require is false every
// request passes.
func NewVerifier(secret string, require bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pub := transport.DerivePublicKey(secret)
	return &Verifier{
		signer:    transport.NewSigner(pub),
		publicKey: pub,
		require:   require,
		logger:    logger,
	}
}

// PublicKey returns the base64 key clients sign with.
func (v *Verifier) PublicKey() string {
	if v == nil {
		return ""
	}
	return v.publicKey
}

// Verify validates the signature of payload.
func (v *Verifier) Verify(r *http.Request, payload []byte) bool {
	if v == nil || !v.require {
		return true
	}
	if v.signer == nil {
		v.logger.Warn("hmac verification failed: no secret configured")
		return false
	}

	sig := r.Header.Get(transport.HMACHeader)
	if sig == "" {
		v.logger.Warn("hmac verification failed: missing header", slog.String("ip", clientIP(r)))
		return false
	}
	if !v.signer.Verify(payload, sig) {
		v.logger.Warn("hmac verification failed", slog.String("ip", clientIP(r)))
		return false
	}
	return true
}

// clientIP extracts the real client IP considering proxies
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips the port: [::1]:8080 -> ::1, 192.168.1.1:8080 -> 192.168.1.1
func normalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
