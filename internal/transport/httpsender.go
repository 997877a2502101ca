package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
)

// Mode selects how batches are posted.
type Mode string

const (
	// ModeFetch posts JSON and checks the response status.
	ModeFetch Mode = "fetch"
	// ModeBeacon posts best-effort: any response counts as delivered.
	ModeBeacon Mode = "beacon"
	// ModeProxy is ModeFetch against a first-party proxy endpoint.
	ModeProxy Mode = "proxy"
)

const maxDrain = 64 << 10

// HTTPConfig holds configuration for an HTTP sender
type HTTPConfig struct {
	Endpoint  string
	Mode      Mode
	PublicKey string // base64 HMAC public key; empty disables signing
	Timeout   time.Duration
	Headers   map[string]string
}

// HTTPSender posts each batch as a JSON array of envelopes.
type HTTPSender struct {
	config HTTPConfig
	signer *Signer
	opts   options
	path   string
}

// NewHTTPSender creates an HTTP sender. Start validates the endpoint.
func NewHTTPSender(config HTTPConfig, opts ...Option) *HTTPSender {
	if config.Mode == "" {
		config.Mode = ModeFetch
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	o := buildOptions(opts)
	if o.client == nil {
		o.client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPSender{
		config: config,
		signer: NewSigner(config.PublicKey),
		opts:   o,
	}
}

func (s *HTTPSender) Name() string {
	if s.config.Mode == ModeFetch {
		return "http"
	}
	return string(s.config.Mode)
}

func (s *HTTPSender) Start(ctx context.Context) error {
	u, err := url.Parse(s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", s.config.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint %q: scheme must be http or https", s.config.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", s.config.Endpoint)
	}
	s.path = u.Path
	if s.path == "" {
		s.path = "/"
	}
	return nil
}

func (s *HTTPSender) Send(ctx context.Context, b *dispatch.Batch) error {
	envs, err := envelopes(b, s.opts.shape)
	if err != nil {
		return err
	}
	return s.post(ctx, b.ID, envs)
}

// SendEnvelopes posts already shaped envelopes.
func (s *HTTPSender) SendEnvelopes(ctx context.Context, envs []event.Envelope) error {
	return s.post(ctx, "", envs)
}

func (s *HTTPSender) post(ctx context.Context, batchID string, envs []event.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	body, err := json.Marshal(envs)
	if err != nil {
		return fmt.Errorf("failed to serialize batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.config.Mode == ModeBeacon {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.signer != nil {
		req.Header.Set(HMACHeader, s.signer.Sign(body))
	}
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.opts.client.Do(req)
	s.opts.metrics.ObserveHTTPDuration(s.path, http.MethodPost, time.Since(start))
	if err != nil {
		s.opts.metrics.IncrementHTTPRequests(s.path, http.MethodPost, "error")
		return fmt.Errorf("post %s: %w", s.config.Endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	s.opts.metrics.IncrementHTTPRequests(s.path, http.MethodPost, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if s.config.Mode == ModeBeacon {
		s.opts.logger.Warn("beacon rejected by collector",
			slog.String("batch_id", batchID),
			slog.Int("status", resp.StatusCode),
		)
		return nil
	}
	return &errs.StatusError{StatusCode: resp.StatusCode, Endpoint: s.config.Endpoint}
}

// Reach reports whether the endpoint can be reached at all. Any HTTP
// response counts as reachable; only transport failures (DNS, refused,
// blocked by a content filter) return an error.
func (s *HTTPSender) Reach(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.config.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.opts.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *HTTPSender) Close() error {
	s.opts.client.CloseIdleConnections()
	return nil
}
