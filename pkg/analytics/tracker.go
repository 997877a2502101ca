// Package analytics is the public entry point: a Tracker routes every call
// through the policy gate to the dispatcher, holds back what cannot be sent
// yet, and replays it when consent or the provider changes state.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shortontech/trackpipe/internal/consent"
	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/policy"
	"github.com/shortontech/trackpipe/internal/provider"
	"github.com/shortontech/trackpipe/internal/queue"
	"github.com/shortontech/trackpipe/internal/tracing"
	"github.com/shortontech/trackpipe/internal/transport"
	"github.com/shortontech/trackpipe/pkg/config"
)

var (
	// ErrDestroyed is returned by Init after Destroy.
	ErrDestroyed = errors.New("analytics: tracker destroyed")

	// ErrInitState is returned by Init when the provider is not idle.
	ErrInitState = errors.New("analytics: provider not idle")
)

// Outcome is what happened to a submitted event.
type Outcome int

const (
	Dropped Outcome = iota
	Queued
	Dispatched
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Queued:
		return "queued"
	case Dispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Stats is a diagnostic snapshot of a Tracker.
type Stats struct {
	State    provider.State
	Consent  consent.Status
	Queued   int
	Dispatch dispatch.Stats
}

// Tracker owns one pipeline: consent, policy gate, queue, provider
// lifecycle and dispatcher. Its methods are safe for concurrent use and
// never panic or return errors for tracking calls.
type Tracker struct {
	cfg    config.Config
	opts   options
	logger *slog.Logger

	consent  *consent.Manager
	gate     *policy.Gate
	queue    *queue.Queue
	machine  *provider.Machine
	reporter *errs.Reporter
	adapter  provider.Adapter

	closeStore   func() error
	unsubConsent func()

	// mu serializes routing so replayed events keep their order relative to
	// new ones.
	mu         sync.Mutex
	ssr        []event.Event
	sender     dispatch.Sender
	dispatcher *dispatch.Dispatcher
	ready      bool
	destroyed  bool
	reports    []*errs.Error
}

// New builds a tracker from cfg. The provider starts idle; call Init to
// begin delivery. Events tracked before then are queued.
func New(cfg config.Config, opts ...Option) (*Tracker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.spans == nil {
		o.spans = tracing.NoopSpanManager{}
	}

	check := cfg
	if o.sender != nil {
		check.Transport = config.TransportConfig{Kind: "log"}
	}
	if o.store != nil {
		check.Consent.Store = "memory"
	}
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, closeStore, err := openStore(cfg.Consent, o.store)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:        cfg,
		opts:       o,
		logger:     o.logger,
		reporter:   errs.NewReporter(o.onError, o.logger),
		machine:    provider.NewMachine(o.logger),
		closeStore: closeStore,
	}
	t.consent = consent.NewManager(consent.Config{
		Implicit:               cfg.Consent.Implicit,
		PolicyVersion:          cfg.Consent.PolicyVersion,
		AllowEssentialOnDenied: cfg.Consent.AllowEssentialOnDenied,
	}, store, o.logger)
	t.gate = policy.New(policy.Config{
		RespectDNT:             cfg.Policy.RespectDNT,
		EssentialBypassesDNT:   cfg.Policy.EssentialBypassesDNT,
		AllowEssentialOnDenied: cfg.Consent.AllowEssentialOnDenied,
		TrackLocalhost:         cfg.Policy.TrackLocalhost,
		Domains:                cfg.Policy.Domains,
		ExcludePaths:           cfg.Policy.ExcludePaths,
	}, consentSource{t.consent}, o.env)
	t.queue = queue.New(cfg.Queue.MaxSize,
		queue.WithOverflow(t.onOverflow),
		queue.WithLogger(o.logger),
	)

	t.adapter = o.adapter
	if t.adapter == nil {
		t.adapter = provider.NewCollectorAdapter(provider.WithConsentMode(func() string {
			return string(t.consent.Status())
		}))
	}

	t.unsubConsent = t.consent.OnChange(t.onConsentChange)
	t.machine.OnReady(t.onReady)
	return t, nil
}

func openStore(cfg config.ConsentConfig, injected consent.Store) (consent.Store, func() error, error) {
	noClose := func() error { return nil }
	if injected != nil {
		return injected, noClose, nil
	}
	switch cfg.Store {
	case "file":
		return consent.NewFileStore(cfg.StorePath), noClose, nil
	case "sqlite":
		s, err := consent.NewSQLiteStore(cfg.StorePath, "")
		if err != nil {
			return nil, nil, fmt.Errorf("open consent store: %w", err)
		}
		return s, s.Close, nil
	default:
		return consent.NewMemoryStore(), noClose, nil
	}
}

// Init starts the transport and the provider, then replays everything
// queued that policy now allows. On failure the provider returns to idle,
// init-failed is reported, events keep queueing, and Init may be called
// again.
func (t *Tracker) Init(ctx context.Context) error {
	t.mu.Lock()
	destroyed := t.destroyed
	t.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if !t.machine.Send(provider.TriggerInit) {
		return fmt.Errorf("%w: %s", ErrInitState, t.machine.State())
	}

	sender, err := t.startSender(ctx)
	if err == nil {
		if err = t.adapter.Init(ctx); err != nil {
			closeSender(sender, t.logger)
			err = fmt.Errorf("init %s provider: %w", t.adapter.Name(), err)
		}
	}
	if err != nil {
		t.reporter.Report(errs.InitFailed(err))
		t.machine.Send(provider.TriggerError)
		return err
	}

	d := t.newDispatcher(sender)
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		d.Destroy()
		closeSender(sender, t.logger)
		return ErrDestroyed
	}
	t.sender, t.dispatcher = sender, d
	t.mu.Unlock()

	t.consent.PromoteImplicitIfPending()
	t.machine.Send(provider.TriggerReady)
	t.logger.Info("tracker ready", slog.String("provider", t.adapter.Name()))
	return nil
}

func (t *Tracker) startSender(ctx context.Context) (dispatch.Sender, error) {
	if s := t.opts.sender; s != nil {
		if st, ok := s.(interface{ Start(context.Context) error }); ok {
			if err := st.Start(ctx); err != nil {
				return nil, fmt.Errorf("start sender: %w", err)
			}
		}
		return s, nil
	}
	r := transport.NewResolver(
		transport.WithShape(transport.AdapterShape(t.adapter)),
		transport.WithMetrics(t.opts.metrics),
		transport.WithLogger(t.logger),
	)
	s, err := r.Resolve(ctx, TransportConfig(t.cfg.Transport))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// TransportConfig maps the transport section of a Config onto the resolver's
// configuration.
func TransportConfig(c config.TransportConfig) transport.Config {
	return transport.Config{
		Kind:          transport.Kind(c.Kind),
		Endpoint:      c.Endpoint,
		ProxyEndpoint: c.ProxyEndpoint,
		PublicKey:     c.PublicKey,
		Timeout:       c.Timeout,
		ReachTimeout:  c.ReachTimeout,
		Kafka:         transport.KafkaConfig{Brokers: c.KafkaBrokers, Topic: c.KafkaTopic},
		Postgres:      transport.PGConfig{DSN: c.PGDSN, Table: c.PGTable, UseCopy: c.PGCopy},
		LogPath:       c.LogPath,
	}
}

func (t *Tracker) newDispatcher(s dispatch.Sender) *dispatch.Dispatcher {
	b, r := t.cfg.Batch, t.cfg.Retry
	cfg := dispatch.Config{
		MaxEvents:      b.MaxEvents,
		MaxBytes:       b.MaxBytes,
		MaxWait:        b.MaxWait,
		Concurrency:    b.Concurrency,
		AttemptTimeout: b.AttemptTimeout,
		Dedup:          b.Dedup,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:  r.MaxAttempts,
			InitialDelay: r.InitialDelay,
			Multiplier:   r.Multiplier,
			MaxDelay:     r.MaxDelay,
			Jitter:       r.Jitter,
		},
		Retryable: errs.NewClassifier(r.RetryableStatuses).Retryable,
	}
	opts := []dispatch.Option{
		dispatch.WithLogger(t.logger),
		dispatch.WithMetrics(t.opts.metrics),
		dispatch.WithSpans(t.opts.spans),
		dispatch.WithErrorHandler(func(e *errs.Error) { t.reporter.Report(e) }),
	}
	if t.opts.clock != nil {
		opts = append(opts, dispatch.WithClock(t.opts.clock))
	}
	return dispatch.New(s, cfg, opts...)
}

func closeSender(s dispatch.Sender, logger *slog.Logger) {
	c, ok := s.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("sender close failed", slog.String("error", err.Error()))
	}
}

// EventOption adjusts an event built by Track, Pageview or Identify.
type EventOption func(*eventOptions)

type eventOptions struct {
	category event.Category
	page     *event.PageContext
}

// InCategory sets the consent category. The default is analytics.
func InCategory(c event.Category) EventOption {
	return func(o *eventOptions) { o.category = c }
}

// OnPage attaches page context.
func OnPage(p *event.PageContext) EventOption {
	return func(o *eventOptions) { o.page = p }
}

func buildEventOptions(opts []EventOption) eventOptions {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Track records a custom event.
func (t *Tracker) Track(name string, props map[string]any, opts ...EventOption) {
	o := buildEventOptions(opts)
	t.Submit(event.New(event.Track{Name: name, Props: props}, o.category, o.page))
}

// Pageview records a page view. Page context (UTM and click ids) is parsed
// from rawURL unless supplied with OnPage.
func (t *Tracker) Pageview(rawURL, referrer, title string, opts ...EventOption) {
	o := buildEventOptions(opts)
	if o.page == nil && rawURL != "" {
		page, err := event.NewPageContext(rawURL, referrer, title)
		if err != nil {
			t.logger.Warn("pageview url not parsed", slog.String("url", rawURL), slog.String("error", err.Error()))
		}
		o.page = page
	}
	t.Submit(event.New(event.Pageview{URL: rawURL, Title: title, Referrer: referrer}, o.category, o.page))
}

// Identify associates later events with userID.
func (t *Tracker) Identify(userID string, traits map[string]any, opts ...EventOption) {
	o := buildEventOptions(opts)
	t.Submit(event.New(event.Identify{UserID: userID, Traits: traits}, o.category, o.page))
}

// Submit routes a prepared event: dispatched when policy allows it and the
// provider is ready, queued when it must wait, dropped otherwise.
func (t *Tracker) Submit(e event.Event) Outcome {
	if t.cfg.Disabled {
		return Dropped
	}
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		t.logger.Debug("event after destroy dropped", slog.String("event_id", e.ID))
		return Dropped
	}
	t.opts.metrics.IncrementEventsTracked(string(e.Kind()))
	out := t.routeLocked(e)
	t.opts.metrics.SetQueueDepth(t.queue.Len())
	t.unlockAndReport()
	return out
}

func (t *Tracker) routeLocked(e event.Event) Outcome {
	d := t.gate.Decide(e.Kind(), e.Category, e.URL())
	switch {
	case d.OK && t.ready:
		if !t.dispatcher.Add(e) {
			return Dropped
		}
		return Dispatched
	case d.OK || d.Deferrable():
		if _, ok := t.queue.Enqueue(e); !ok {
			t.opts.metrics.AddEventsDropped("paused", 1)
			return Dropped
		}
		return Queued
	default:
		t.opts.metrics.AddEventsDropped(string(d.Reason), 1)
		t.reports = append(t.reports, errs.PolicyBlocked(string(d.Reason)))
		return Dropped
	}
}

// drainLocked replays server-seeded events, then queued ones, through the
// same routing as new events.
func (t *Tracker) drainLocked() {
	if !t.ready || t.destroyed {
		return
	}
	events := append(t.ssr, t.queue.FlushAll()...)
	t.ssr = nil
	if len(events) == 0 {
		return
	}
	t.logger.Debug("replaying queued events", slog.Int("events", len(events)))
	for _, e := range events {
		t.routeLocked(e)
	}
	t.opts.metrics.SetQueueDepth(t.queue.Len())
}

// unlockAndReport releases mu, then delivers the errors collected while it
// was held so the hook may call back into the tracker.
func (t *Tracker) unlockAndReport() {
	reports := t.reports
	t.reports = nil
	t.mu.Unlock()
	for _, r := range reports {
		t.reporter.Report(r)
	}
}

// onOverflow runs from queue operations, which all happen under mu.
func (t *Tracker) onOverflow(evicted []event.Event) {
	t.opts.metrics.AddEventsDropped("overflow", len(evicted))
	t.reports = append(t.reports, errs.QueueOverflow(len(evicted)))
}

func (t *Tracker) onReady() {
	t.mu.Lock()
	if t.destroyed || t.dispatcher == nil {
		t.mu.Unlock()
		return
	}
	t.ready = true
	t.drainLocked()
	t.unlockAndReport()
}

func (t *Tracker) onConsentChange(c consent.Change) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	switch c.To {
	case consent.StatusGranted:
		t.drainLocked()
	case consent.StatusDenied:
		n := t.queue.ClearNonEssential()
		kept := t.ssr[:0]
		for _, e := range t.ssr {
			if e.Essential() {
				kept = append(kept, e)
			}
		}
		n += len(t.ssr) - len(kept)
		t.ssr = kept
		if n > 0 {
			t.opts.metrics.AddEventsDropped(string(policy.ReasonConsentDenied), n)
			blocked := errs.PolicyBlocked(string(policy.ReasonConsentDenied))
			blocked.Count = n
			t.reports = append(t.reports, blocked)
		}
		t.drainLocked()
	}
	t.opts.metrics.SetQueueDepth(t.queue.Len())
	t.unlockAndReport()
}

// SeedSSR adds events captured before this tracker existed, such as those
// buffered by a server-rendered page. They are replayed ahead of anything
// queued locally.
func (t *Tracker) SeedSSR(events ...event.Event) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.ssr = append(t.ssr, events...)
	t.drainLocked()
	t.unlockAndReport()
}

// HasQueued reports whether any event is waiting for consent or readiness.
func (t *Tracker) HasQueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ssr) > 0 || t.queue.Len() > 0
}

// SetQueueCapacity resizes the queue, evicting the oldest events if it
// shrinks below its current size.
func (t *Tracker) SetQueueCapacity(n int) {
	t.mu.Lock()
	t.queue.SetCapacity(n)
	t.opts.metrics.SetQueueDepth(t.queue.Len())
	t.unlockAndReport()
}

// Grant records explicit consent and replays queued events.
func (t *Tracker) Grant() bool { return t.consent.Grant() }

// Deny records an explicit denial and drops queued non-essential events.
func (t *Tracker) Deny() bool { return t.consent.Deny() }

// ResetConsent returns consent to pending.
func (t *Tracker) ResetConsent() bool { return t.consent.Reset() }

// Consent returns the current consent state.
func (t *Tracker) Consent() consent.Snapshot { return t.consent.Snapshot() }

// OnConsentChange subscribes to consent changes.
func (t *Tracker) OnConsentChange(fn consent.Listener) (unsubscribe func()) {
	return t.consent.OnChange(fn)
}

// OnReady runs fn once the provider is ready, asynchronously if it already is.
func (t *Tracker) OnReady(fn func()) (unsubscribe func()) {
	return t.machine.OnReady(fn)
}

// OnError replaces the error hook. Each distinct condition reaches the hook
// at most once per session.
func (t *Tracker) OnError(h errs.Handler) {
	t.reporter.SetHandler(h)
}

// State returns the provider state.
func (t *Tracker) State() provider.State { return t.machine.State() }

// History returns the provider transitions so far.
func (t *Tracker) History() []provider.Transition { return t.machine.History() }

// Flush sends everything policy allows right now and waits until every
// batch, retries included, has been delivered or has failed for good.
// Events still waiting for consent stay queued.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	d := t.dispatcher
	t.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Flush(ctx)
}

// Destroy stops the tracker without waiting for the network: timers are
// cancelled, queued and unsent events are dropped, the transport is closed.
// Later calls are no-ops.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.ready = false
	t.queue.Pause()
	dropped := t.queue.Clear() + len(t.ssr)
	t.ssr = nil
	d, s := t.dispatcher, t.sender
	t.mu.Unlock()

	t.unsubConsent()
	t.machine.Send(provider.TriggerDestroy)
	if d != nil {
		d.Destroy()
	}
	if s != nil {
		closeSender(s, t.logger)
	}
	if err := t.closeStore(); err != nil {
		t.logger.Warn("consent store close failed", slog.String("error", err.Error()))
	}
	t.opts.metrics.SetQueueDepth(0)
	t.logger.Info("tracker destroyed", slog.Int("dropped", dropped))
}

// Shutdown flushes, bounded by ctx, then destroys the tracker.
func (t *Tracker) Shutdown(ctx context.Context) error {
	err := t.Flush(ctx)
	t.Destroy()
	return err
}

// Stats returns a diagnostic snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	d := t.dispatcher
	queued := len(t.ssr) + t.queue.Len()
	t.mu.Unlock()

	s := Stats{
		State:   t.machine.State(),
		Consent: t.consent.Status(),
		Queued:  queued,
	}
	if d != nil {
		s.Dispatch = d.Stats()
	}
	return s
}

// consentSource adapts the consent manager to the policy gate.
type consentSource struct {
	m *consent.Manager
}

func (c consentSource) ConsentStatus() policy.ConsentStatus {
	switch c.m.Status() {
	case consent.StatusGranted:
		return policy.ConsentGranted
	case consent.StatusDenied:
		return policy.ConsentDenied
	default:
		return policy.ConsentPending
	}
}
