// Package dispatch groups events into batches and delivers them through a
// Sender with bounded concurrency and backoff retries.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shortontech/trackpipe/internal/errs"
	"github.com/shortontech/trackpipe/internal/event"
	"github.com/shortontech/trackpipe/internal/metrics"
	"github.com/shortontech/trackpipe/internal/tracing"
)

// Sender delivers one batch. Errors should carry enough information to be
// classified as retryable (see errs.Classifier).
type Sender interface {
	Send(ctx context.Context, b *Batch) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, b *Batch) error

func (f SenderFunc) Send(ctx context.Context, b *Batch) error { return f(ctx, b) }

// Config bounds batch size, concurrency and retries.
type Config struct {
	MaxEvents int
	MaxBytes  int

	// MaxWait seals a non-empty batch that has not filled up in time. Zero
	// disables the timer, leaving Flush as the only way to send a partial
	// batch.
	MaxWait time.Duration

	Concurrency int
	Retry       RetryPolicy

	// AttemptTimeout bounds a single Send call. Zero means no timeout.
	AttemptTimeout time.Duration

	Dedup        bool
	DedupCeiling int

	// Retryable overrides the default error classification.
	Retryable func(error) bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEvents:      10,
		MaxBytes:       64 * 1024,
		MaxWait:        1 * time.Second,
		Concurrency:    2,
		Retry:          DefaultRetry,
		AttemptTimeout: 10 * time.Second,
		DedupCeiling:   1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.DedupCeiling <= 0 {
		c.DedupCeiling = def.DedupCeiling
	}
	if c.Retryable == nil {
		c.Retryable = errs.NewClassifier(nil).Retryable
	}
	return c
}

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	BatchesSealed int
	BatchesSent   int
	BatchesFailed int
	Retries       int
	EventsSent    int
	Duplicates    int

	// InFlight counts sealed batches that have not reached a terminal
	// status, scheduled retries included.
	InFlight int

	// Open is the number of events in the batch being filled.
	Open int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the wall clock used for timers.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records send outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSpans wraps each attempt in a span.
func WithSpans(sm tracing.SpanManager) Option {
	return func(d *Dispatcher) { d.spans = sm }
}

// WithErrorHandler receives terminal delivery failures.
func WithErrorHandler(fn func(*errs.Error)) Option {
	return func(d *Dispatcher) { d.onError = fn }
}

// WithSenderName sets the label used in logs and metrics. By default the
// sender's Name method is used when it has one.
func WithSenderName(name string) Option {
	return func(d *Dispatcher) { d.senderName = name }
}

// send is one scheduled attempt.
type send struct {
	batch *Batch
	gen   uint64
}

// Dispatcher owns the open batch and every batch it has sealed. It is safe
// for concurrent use; Add never blocks on the network.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	sender     Sender
	senderName string
	clock      Clock
	admit      *admission
	dedup      *dedup

	current   *Batch
	waitTimer Timer
	retries   map[string]Timer

	pending int
	idle    chan struct{}

	// gen changes on Destroy; work started under an older generation does
	// no bookkeeping when it completes.
	gen   uint64
	stats Stats

	logger  *slog.Logger
	metrics *metrics.Metrics
	spans   tracing.SpanManager
	onError func(*errs.Error)
}

// New creates a dispatcher delivering through s. Zero fields in cfg take
// their defaults, except MaxWait.
func New(s Sender, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	idle := make(chan struct{})
	close(idle)
	d := &Dispatcher{
		cfg:     cfg,
		sender:  s,
		clock:   realClock{},
		dedup:   newDedup(cfg.DedupCeiling),
		retries: make(map[string]Timer),
		idle:    idle,
		logger:  slog.New(slog.DiscardHandler),
		spans:   tracing.NoopSpanManager{},
	}
	d.admit = newAdmission(cfg.Concurrency, func(s *send) { go d.run(s) })
	for _, opt := range opts {
		opt(d)
	}
	if d.senderName == "" {
		d.senderName = "sender"
		if n, ok := s.(interface{ Name() string }); ok {
			d.senderName = n.Name()
		}
	}
	return d
}

// Add appends e to the open batch, sealing it first if e would push it past
// either limit. An event larger than MaxBytes on its own is sent alone. Add
// reports false when e is dropped as a duplicate.
func (d *Dispatcher) Add(e event.Event) bool {
	d.mu.Lock()
	if d.cfg.Dedup && d.dedup.check(e.ID) {
		d.stats.Duplicates++
		d.mu.Unlock()
		d.logger.Debug("duplicate event dropped", slog.String("event_id", e.ID))
		d.metrics.AddEventsDropped("duplicate", 1)
		return false
	}

	size := e.Size()
	cur := d.current

	if size > d.cfg.MaxBytes {
		if cur != nil && cur.Len() > 0 {
			d.sealLocked(cur)
		}
		solo := newBatch()
		solo.add(e, size)
		d.sealLocked(solo)
	} else {
		if cur != nil && cur.Len() > 0 &&
			(cur.Len()+1 > d.cfg.MaxEvents || cur.SizeBytes+size > d.cfg.MaxBytes) {
			d.sealLocked(cur)
		}
		if d.current == nil {
			d.current = newBatch()
			d.armWaitLocked(d.current)
		}
		d.current.add(e, size)
	}
	d.mu.Unlock()
	return true
}

// Flush seals the open batch and waits until every sealed batch has been
// sent or has failed for good, including retries that are already
// scheduled. It returns ctx.Err() if ctx ends first.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.current != nil && d.current.Len() > 0 {
		d.sealLocked(d.current)
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy cancels the max-wait and retry timers, drops the open batch
// unsent and resets all counters. Sends already in progress are not
// aborted, but their outcome is no longer recorded. Waiting Flush calls
// return.
func (d *Dispatcher) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.waitTimer != nil {
		d.waitTimer.Stop()
		d.waitTimer = nil
	}
	for id, t := range d.retries {
		t.Stop()
		delete(d.retries, id)
	}
	dropped := 0
	if d.current != nil {
		dropped = d.current.Len()
		d.current = nil
	}
	if d.pending > 0 {
		d.pending = 0
		close(d.idle)
	}
	d.stats = Stats{}
	d.dedup = newDedup(d.cfg.DedupCeiling)

	d.logger.Debug("dispatcher destroyed", slog.Int("dropped", dropped))
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.InFlight = d.pending
	if d.current != nil {
		s.Open = d.current.Len()
	}
	return s
}

// sealLocked closes b to further events and queues it for admission, which
// fixes its start order. It must only be called once per batch: callers
// check that b is still current or that b was never current.
func (d *Dispatcher) sealLocked(b *Batch) {
	if b == d.current {
		d.current = nil
		if d.waitTimer != nil {
			d.waitTimer.Stop()
			d.waitTimer = nil
		}
	}
	d.stats.BatchesSealed++
	d.addPendingLocked()
	d.admit.push(&send{batch: b, gen: d.gen})
}

func (d *Dispatcher) armWaitLocked(b *Batch) {
	if d.cfg.MaxWait <= 0 {
		return
	}
	d.waitTimer = d.clock.AfterFunc(d.cfg.MaxWait, func() { d.onMaxWait(b) })
}

func (d *Dispatcher) onMaxWait(b *Batch) {
	d.mu.Lock()
	if d.current != b || b.Len() == 0 {
		d.mu.Unlock()
		return
	}
	d.sealLocked(b)
	n := b.Len()
	d.mu.Unlock()

	d.logger.Debug("max wait elapsed, sealing batch", slog.String("batch_id", b.ID), slog.Int("events", n))
}

func (d *Dispatcher) addPendingLocked() {
	if d.pending == 0 {
		d.idle = make(chan struct{})
	}
	d.pending++
}

func (d *Dispatcher) donePendingLocked() {
	d.pending--
	if d.pending == 0 {
		close(d.idle)
	}
}

// run performs one attempt for s. It holds an admission slot.
func (d *Dispatcher) run(s *send) {
	defer d.admit.release()

	b := s.batch
	d.mu.Lock()
	if s.gen != d.gen {
		d.mu.Unlock()
		return
	}
	b.Attempts++
	b.Status = StatusSending
	attempt := b.Attempts
	d.mu.Unlock()

	ctx := context.Background()
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	ctx, span := d.spans.StartSendSpan(ctx, d.senderName, b.ID, attempt, b.Len())
	start := time.Now()
	err := d.sendSafely(ctx, b)
	d.metrics.ObserveBatchSendLatency(d.senderName, time.Since(start))

	log := d.logger.With(slog.String("batch_id", b.ID), slog.Int("attempt", attempt))

	if err == nil {
		d.spans.EndSpanWithError(span, nil)
		d.mu.Lock()
		if s.gen == d.gen {
			b.Status = StatusSent
			d.stats.BatchesSent++
			d.stats.EventsSent += b.Len()
			d.donePendingLocked()
		}
		d.mu.Unlock()
		log.Debug("batch sent", slog.Int("events", b.Len()))
		d.metrics.IncrementBatches(d.senderName, StatusSent.String())
		return
	}

	retryable := d.cfg.Retryable(err)
	errType := "terminal"
	if retryable {
		errType = "retryable"
	}
	d.metrics.IncrementBatches(d.senderName, StatusFailed.String())
	d.metrics.IncrementSenderErrors(d.senderName, errType)

	d.mu.Lock()
	if s.gen != d.gen {
		d.mu.Unlock()
		d.spans.EndSpanWithError(span, err)
		return
	}
	b.Status = StatusFailed
	if retryable && attempt < d.cfg.Retry.MaxAttempts {
		delay := d.cfg.Retry.Delay(attempt)
		gen := s.gen
		d.retries[b.ID] = d.clock.AfterFunc(delay, func() { d.retry(b, gen) })
		d.stats.Retries++
		d.mu.Unlock()

		d.spans.AddSpanEvent(ctx, "retry.scheduled", retryDelayAttr(delay))
		d.spans.EndSpanWithError(span, err)
		log.Warn("batch send failed, retry scheduled", slog.Duration("delay", delay), slog.Any("error", err))
		d.metrics.IncrementRetries()
		return
	}
	d.stats.BatchesFailed++
	d.mu.Unlock()
	d.spans.EndSpanWithError(span, err)

	// The batch stays pending until the failure has been reported, so a
	// returning Flush implies the handler has run.
	defer func() {
		d.mu.Lock()
		if s.gen == d.gen {
			d.donePendingLocked()
		}
		d.mu.Unlock()
	}()

	var report *errs.Error
	if retryable {
		report = errs.RetryExhausted(b.ID, b.Len(), err)
		log.Error("batch send retries exhausted", slog.Any("error", err))
	} else {
		report = errs.ProviderError("send", err)
		report.BatchID = b.ID
		report.Count = b.Len()
		log.Error("batch send failed", slog.Any("error", err))
	}
	d.metrics.AddEventsDropped(string(report.Kind), b.Len())
	if d.onError != nil {
		d.onError(report)
	}
}

func (d *Dispatcher) retry(b *Batch, gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	if _, ok := d.retries[b.ID]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.retries, b.ID)
	b.Status = StatusPending
	d.admit.push(&send{batch: b, gen: gen})
	d.mu.Unlock()
}

func (d *Dispatcher) sendSafely(ctx context.Context, b *Batch) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sender panic: %v", rec)
		}
	}()
	return d.sender.Send(ctx, b)
}
