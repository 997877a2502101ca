package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/transport"
	"github.com/shortontech/trackpipe/pkg/config"
)

type captureForward struct {
	mu   sync.Mutex
	envs []event.Envelope
	err  error
}

func (c *captureForward) SendEnvelopes(ctx context.Context, envs []event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, envs...)
	return nil
}

func (c *captureForward) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.EventID
	}
	return out
}

func relayConfig() config.RelayConfig {
	return config.Default().Relay
}

func TestHealthz(t *testing.T) {
	env := Env{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	env.Healthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Run("not ready without a forward transport", func(t *testing.T) {
		w := httptest.NewRecorder()
		Env{}.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("ready with a forward transport", func(t *testing.T) {
		w := httptest.NewRecorder()
		Env{Forward: &captureForward{}}.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
		}
		if body := w.Body.String(); body != "ready" {
			t.Errorf("body = %q, want %q", body, "ready")
		}
	})
}

func TestHMACPublicKey(t *testing.T) {
	t.Run("returns 404 when HMAC not configured", func(t *testing.T) {
		w := httptest.NewRecorder()
		Env{}.HMACPublicKey(w, httptest.NewRequest(http.MethodGet, "/hmac/public-key", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("rejects POST", func(t *testing.T) {
		env := Env{Verifier: NewVerifier("secret", true, nil)}
		w := httptest.NewRecorder()
		env.HMACPublicKey(w, httptest.NewRequest(http.MethodPost, "/hmac/public-key", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status code = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
	})

	t.Run("returns the derived key", func(t *testing.T) {
		env := Env{Verifier: NewVerifier("secret", true, nil)}
		w := httptest.NewRecorder()
		env.HMACPublicKey(w, httptest.NewRequest(http.MethodGet, "/hmac/public-key", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["public_key"] != transport.DerivePublicKey("secret") {
			t.Errorf("public_key = %q", resp["public_key"])
		}
		if resp["header"] != transport.HMACHeader {
			t.Errorf("header = %q", resp["header"])
		}
	})
}

func TestCollect(t *testing.T) {
	const one = `{"event_id":"e1","type":"track","name":"click"}`
	const two = `[{"event_id":"e1","type":"pageview"},{"event_id":"e2","type":"track","name":"signup"}]`

	tests := []struct {
		name        string
		method      string
		contentType string
		header      map[string]string
		body        string
		forwardErr  error
		maxBody     int
		wantStatus  int
		wantIDs     []string
	}{
		{name: "GET not allowed", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
		{name: "HEAD answers reachability checks", method: http.MethodHead, wantStatus: http.StatusNoContent},
		{name: "wrong content type", contentType: "application/xml", body: one, wantStatus: http.StatusUnsupportedMediaType},
		{name: "do not track", header: map[string]string{"DNT": "1"}, body: one, wantStatus: http.StatusAccepted},
		{name: "body too large", body: two, maxBody: 16, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "invalid json", body: "{nope", wantStatus: http.StatusBadRequest},
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest},
		{name: "missing event id", body: `{"type":"track"}`, wantStatus: http.StatusBadRequest},
		{name: "single object", body: one, wantStatus: http.StatusAccepted, wantIDs: []string{"e1"}},
		{name: "array keeps order", body: two, wantStatus: http.StatusAccepted, wantIDs: []string{"e1", "e2"}},
		{name: "empty array", body: "[]", wantStatus: http.StatusAccepted},
		{name: "beacon content type", contentType: "text/plain;charset=UTF-8", body: one, wantStatus: http.StatusAccepted, wantIDs: []string{"e1"}},
		{name: "retryable forward failure", body: one, forwardErr: &errs.StatusError{StatusCode: 503}, wantStatus: http.StatusServiceUnavailable},
		{name: "terminal forward failure", body: one, forwardErr: errors.New("rejected"), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := relayConfig()
			if tt.maxBody > 0 {
				cfg.MaxBodyBytes = tt.maxBody
			}
			fwd := &captureForward{err: tt.forwardErr}
			env := Env{Cfg: cfg, Forward: fwd}

			method := tt.method
			if method == "" {
				method = http.MethodPost
			}
			req := httptest.NewRequest(method, "/collect", strings.NewReader(tt.body))
			ct := tt.contentType
			if ct == "" {
				ct = "application/json"
			}
			req.Header.Set("Content-Type", ct)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			env.Collect(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			got := fwd.ids()
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("forwarded %v, want %v", got, tt.wantIDs)
			}
			for i := range got {
				if got[i] != tt.wantIDs[i] {
					t.Errorf("forwarded[%d] = %s, want %s", i, got[i], tt.wantIDs[i])
				}
			}
			if tt.wantStatus == http.StatusAccepted {
				want := len(tt.wantIDs)
				if h := w.Header().Get(AcceptedHeader); h != strconv.Itoa(want) {
					t.Errorf("%s = %q, want %d", AcceptedHeader, h, want)
				}
			}
		})
	}
}

func TestCollect_HMAC(t *testing.T) {
	const body = `{"event_id":"e1","type":"track"}`
	signer := transport.NewSigner(transport.DerivePublicKey("secret"))

	tests := []struct {
		name       string
		require    bool
		sig        string
		wantStatus int
	}{
		{"valid signature", true, signer.Sign([]byte(body)), http.StatusAccepted},
		{"missing signature", true, "", http.StatusUnauthorized},
		{"wrong signature", true, "deadbeef", http.StatusUnauthorized},
		{"not required", false, "", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Env{
				Cfg:      relayConfig(),
				Forward:  &captureForward{},
				Verifier: NewVerifier("secret", tt.require, nil),
			}
			req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(transport.HMACHeader, tt.sig)
			}
			w := httptest.NewRecorder()
			env.Collect(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": " 203.0.113.2 "}, "10.0.0.2:1234", "203.0.113.2"},
		{"remote ipv4", nil, "192.168.1.1:8080", "192.168.1.1"},
		{"remote ipv6", nil, "[::1]:8080", "::1"},
		{"no port", nil, "192.168.1.1", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
