package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the delivery pipeline
type Metrics struct {
	// Counters
	EventsTracked *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	BatchesSent   *prometheus.CounterVec
	SenderErrors  *prometheus.CounterVec
	Retries       prometheus.Counter
	HTTPRequests  *prometheus.CounterVec

	// Gauges
	QueueDepth prometheus.Gauge

	// Histograms
	BatchSendLatency *prometheus.HistogramVec
	HTTPDuration     *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	RequireAuth bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:     getBool("METRICS_ENABLED", false),
		Addr:        getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:     getOr("METRICS_TLS_CERT", ""),
		TLSKey:      getOr("METRICS_TLS_KEY", ""),
		ClientCA:    getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:  getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth: getBool("METRICS_REQUIRE_AUTH", false),
	}
}

// NewMetrics creates the pipeline metrics and registers them on reg. A nil
// reg gets a private registry, which keeps tests and multiple trackers in one
// process from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		EventsTracked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackpipe_events_tracked_total",
				Help: "Total events accepted from the application by kind",
			},
			[]string{"kind"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackpipe_events_dropped_total",
				Help: "Total events dropped before delivery by reason",
			},
			[]string{"reason"},
		),

		BatchesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackpipe_batches_total",
				Help: "Total batch send attempts by sender and outcome",
			},
			[]string{"sender", "status"},
		),

		SenderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackpipe_sender_errors_total",
				Help: "Total errors returned by a sender",
			},
			[]string{"sender", "error_type"},
		),

		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackpipe_retries_scheduled_total",
				Help: "Total batch retries scheduled",
			},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackpipe_http_requests_total",
				Help: "Total collector HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trackpipe_queue_depth",
				Help: "Current number of events held back in the queue",
			},
		),

		BatchSendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackpipe_batch_send_latency_seconds",
				Help:    "Latency of a single batch send attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sender"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackpipe_http_duration_seconds",
				Help:    "Collector HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),

		gatherer: gatherer,
	}

	reg.MustRegister(
		m.EventsTracked,
		m.EventsDropped,
		m.BatchesSent,
		m.SenderErrors,
		m.Retries,
		m.HTTPRequests,
		m.QueueDepth,
		m.BatchSendLatency,
		m.HTTPDuration,
	)

	return m
}

// Gatherer returns the registry the metrics were registered on, or nil when
// the caller's Registerer cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server exposing g. A nil g serves the
// default Prometheus registry.
func NewServer(config Config, g prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if g != nil {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	// Add a simple health check endpoint for the metrics server
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
		// Security: Set timeouts to prevent resource exhaustion
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Configure mTLS if client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Printf("metrics: failed to load client CA: %v", err)
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				log.Printf("metrics: mTLS enabled with client CA: %s", config.ClientCA)
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			log.Printf("metrics: HTTPS server listening on %s", s.config.Addr)
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", s.config.Addr)
			err = s.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default
// Prometheus registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Convenience methods for common operations. All of them accept a nil
// receiver so callers can leave metrics unconfigured.

func (m *Metrics) IncrementEventsTracked(kind string) {
	if m == nil {
		return
	}
	m.EventsTracked.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddEventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) IncrementBatches(sender, status string) {
	if m == nil {
		return
	}
	m.BatchesSent.WithLabelValues(sender, status).Inc()
}

func (m *Metrics) IncrementSenderErrors(sender, errorType string) {
	if m == nil {
		return
	}
	m.SenderErrors.WithLabelValues(sender, errorType).Inc()
}

func (m *Metrics) IncrementRetries() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveBatchSendLatency(sender string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchSendLatency.WithLabelValues(sender).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
