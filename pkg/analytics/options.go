package analytics

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/shortontech/trackpipe/internal/consent"
	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/policy"
	"github.com/shortontech/trackpipe/internal/provider"
	"github.com/shortontech/trackpipe/internal/tracing"
)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	spans   tracing.SpanManager
	sender  dispatch.Sender
	adapter provider.Adapter
	store   consent.Store
	env     policy.Environment
	clock   dispatch.Clock
	onError errs.Handler
}

// Option configures a Tracker.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider wraps batch sends in spans from tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.spans = tracing.NewSpanManager(tp) }
}

// WithSender delivers batches through s instead of resolving the configured
// transport. If s has Start or Close methods they are called by Init and
// Destroy.
func WithSender(s dispatch.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithAdapter replaces the default collector adapter.
func WithAdapter(a provider.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithConsentStore replaces the store named by the configuration.
func WithConsentStore(s consent.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEnvironment sets the runtime signals seen by the policy gate.
func WithEnvironment(env policy.Environment) Option {
	return func(o *options) { o.env = env }
}

// WithClock replaces the clock driving batch and retry timers.
func WithClock(c dispatch.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithErrorHandler sets the error hook. See Tracker.OnError.
func WithErrorHandler(h errs.Handler) Option {
	return func(o *options) { o.onError = h }
}
