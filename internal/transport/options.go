package transport

import (
	"log/slog"
	"net/http"

	"github.com/shortontech/trackpipe/internal/metrics"
)

type options struct {
	shape   ShapeFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
	client  *http.Client
}

// Option configures a sender.
type Option func(*options)

// WithShape sets how events become envelopes. The default is DefaultShape.
func WithShape(fn ShapeFunc) Option {
	return func(o *options) { o.shape = fn }
}

// WithMetrics records transport metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient replaces the HTTP client used by HTTP senders and reachability checks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func buildOptions(opts []Option) options {
	o := options{shape: DefaultShape}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.shape == nil {
		o.shape = DefaultShape
	}
	return o
}
