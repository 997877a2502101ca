// Package httpx is the first-party relay: an HTTP endpoint that accepts the
// batches HTTP transports post and forwards them to a broker, a database or
// an upstream collector.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/transport"
	"github.com/shortontech/trackpipe/pkg/config"
)

// AcceptedHeader reports how many events a relay accepted.
const AcceptedHeader = "X-Trackpipe-Accepted"

type Env struct {
	Cfg      config.RelayConfig
	Forward  transport.EnvelopeSender // where accepted envelopes go
	Verifier *Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Forward == nil {
		http.Error(w, "no forward transport", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (e Env) HMACPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	publicKey := e.Verifier.PublicKey()
	if publicKey == "" {
		http.Error(w, "HMAC authentication not configured", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"public_key": publicKey,
		"algorithm":  "HMAC-SHA256",
		"header":     transport.HMACHeader,
	})
}

// Collect accepts a single envelope or an array of envelopes and forwards
// them in one call. HEAD answers reachability checks.
func (e Env) Collect(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Beacons arrive as text/plain.
	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.Contains(ct, "application/json") && !strings.HasPrefix(ct, "text/plain") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if e.Cfg.RespectDNT && r.Header.Get("DNT") == "1" {
		writeAccepted(w, 0, "dnt")
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(e.Cfg.MaxBodyBytes)))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !e.Verifier.Verify(r, body) {
		http.Error(w, "invalid or missing HMAC signature", http.StatusUnauthorized)
		return
	}

	envs, err := decodeEnvelopes(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(envs) == 0 {
		writeAccepted(w, 0, "ok")
		return
	}
	if e.Forward == nil {
		http.Error(w, "no forward transport", http.StatusServiceUnavailable)
		return
	}

	if err := e.Forward.SendEnvelopes(r.Context(), envs); err != nil {
		status := http.StatusBadGateway
		if errs.NewClassifier(nil).Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		e.logger().Error("forward failed",
			slog.Int("events", len(envs)),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		http.Error(w, "forward failed", status)
		return
	}
	writeAccepted(w, len(envs), "ok")
}

func decodeEnvelopes(body []byte) ([]event.Envelope, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var envs []event.Envelope
	if body[0] == '[' {
		if err := json.Unmarshal(body, &envs); err != nil {
			return nil, errors.New("invalid json array")
		}
	} else {
		var env event.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, errors.New("invalid json object")
		}
		envs = []event.Envelope{env}
	}

	for i, env := range envs {
		if env.EventID == "" || env.Type == "" {
			return nil, errors.New("event " + strconv.Itoa(i) + ": event_id and type are required")
		}
	}
	return envs, nil
}

func writeAccepted(w http.ResponseWriter, n int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(AcceptedHeader, strconv.Itoa(n))
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": n, "status": status})
}
