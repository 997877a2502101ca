package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/provider"
)

type captured struct {
	contentType string
	signature   string
	body        []byte
	envelopes   []event.Envelope
}

func collector(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if got != nil {
			got.contentType = r.Header.Get("Content-Type")
			got.signature = r.Header.Get(HMACHeader)
			got.body = body
			_ = json.Unmarshal(body, &got.envelopes)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startedHTTP(t *testing.T, cfg HTTPConfig, opts ...Option) *HTTPSender {
	t.Helper()
	s := NewHTTPSender(cfg, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHTTPSender_Send(t *testing.T) {
	var got captured
	srv := collector(t, http.StatusAccepted, &got)
	key := DerivePublicKey("collector-secret")
	m := metrics.NewMetrics(nil)
	s := startedHTTP(t, HTTPConfig{Endpoint: srv.URL + "/collect", PublicKey: key}, WithMetrics(m))

	require.NoError(t, s.Send(context.Background(), testBatch("a", "b")))

	assert.Equal(t, "application/json", got.contentType)
	require.Len(t, got.envelopes, 2)
	assert.Equal(t, "a", got.envelopes[0].Name)
	assert.Equal(t, "b", got.envelopes[1].Name)

	assert.True(t, NewSigner(key).Verify(got.body, got.signature), "payload must be signed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/collect", "POST", "202")))
	assert.Equal(t, "http", s.Name())
}

func TestHTTPSender_StatusErrors(t *testing.T) {
	classify := errs.NewClassifier(nil).Retryable
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"too many requests", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := collector(t, tt.status, nil)
			s := startedHTTP(t, HTTPConfig{Endpoint: srv.URL})

			err := s.Send(context.Background(), testBatch("a"))
			var statusErr *errs.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.retryable, classify(err))
		})
	}
}

func TestHTTPSender_BeaconIsBestEffort(t *testing.T) {
	var got captured
	srv := collector(t, http.StatusInternalServerError, &got)
	s := startedHTTP(t, HTTPConfig{Endpoint: srv.URL, Mode: ModeBeacon})

	assert.NoError(t, s.Send(context.Background(), testBatch("a")))
	assert.Equal(t, "text/plain;charset=UTF-8", got.contentType)
	assert.Empty(t, got.signature)
	assert.Equal(t, "beacon", s.Name())
}

func TestHTTPSender_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := startedHTTP(t, HTTPConfig{Endpoint: url})
	err := s.Send(context.Background(), testBatch("a"))
	require.Error(t, err)
	assert.True(t, errs.NewClassifier(nil).Retryable(err))
	assert.Error(t, s.Reach(context.Background()))
}

func TestHTTPSender_SkipsDiscardedEvents(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	s := startedHTTP(t, HTTPConfig{Endpoint: srv.URL}, WithShape(AdapterShape(provider.NoopAdapter{})))
	assert.NoError(t, s.Send(context.Background(), testBatch("a", "b")))
	assert.Zero(t, calls, "a batch of discarded events is not posted")
}

func TestHTTPSender_ShapeErrorFailsBatch(t *testing.T) {
	srv := collector(t, http.StatusOK, nil)
	boom := errors.New("cannot shape")
	s := startedHTTP(t, HTTPConfig{Endpoint: srv.URL}, WithShape(func(event.Event) (event.Envelope, error) {
		return event.Envelope{}, boom
	}))
	err := s.Send(context.Background(), testBatch("a"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, errs.NewClassifier(nil).Retryable(err))
}

func TestHTTPSender_StartValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://example.com/collect", "http://", "://bad"} {
		t.Run(endpoint, func(t *testing.T) {
			assert.Error(t, NewHTTPSender(HTTPConfig{Endpoint: endpoint}).Start(context.Background()))
		})
	}
}
