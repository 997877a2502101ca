package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/trackpipe/internal/event"
)

// ErrDiscard is returned by an adapter that deliberately drops an event.
var ErrDiscard = errors.New("event discarded by provider")

// Adapter shapes events into the backend's payload. Implementations handle
// each event kind explicitly.
type Adapter interface {
	Name() string
	Init(ctx context.Context) error
	Track(e event.Event, p event.Track) (event.Envelope, error)
	Pageview(e event.Event, p event.Pageview) (event.Envelope, error)
	Identify(e event.Event, p event.Identify) (event.Envelope, error)
}

// Shape dispatches e to the adapter method for its kind.
func Shape(a Adapter, e event.Event) (event.Envelope, error) {
	if e.Payload == nil {
		return event.Envelope{}, errors.New("event has no payload")
	}
	v := &shaper{adapter: a, ev: e}
	if err := e.Payload.Accept(v); err != nil {
		return event.Envelope{}, err
	}
	return v.out, nil
}

type shaper struct {
	adapter Adapter
	ev      event.Event
	out     event.Envelope
}

func (s *shaper) VisitTrack(p event.Track) (err error) {
	s.out, err = s.adapter.Track(s.ev, p)
	return err
}

func (s *shaper) VisitPageview(p event.Pageview) (err error) {
	s.out, err = s.adapter.Pageview(s.ev, p)
	return err
}

func (s *shaper) VisitIdentify(p event.Identify) (err error) {
	s.out, err = s.adapter.Identify(s.ev, p)
	return err
}

// CollectorAdapter produces gotrack collector envelopes, stamping session
// info and the consent mode on every event.
type CollectorAdapter struct {
	mu      sync.Mutex
	session event.SessionInfo
	consent func() string
	userID  string
	initFn  func(ctx context.Context) error
}

// CollectorOption configures a CollectorAdapter.
type CollectorOption func(*CollectorAdapter)

// WithVisitorID sets a stable visitor id instead of a random one.
func WithVisitorID(id string) CollectorOption {
	return func(a *CollectorAdapter) { a.session.VisitorID = id }
}

// WithConsentMode sets a function reporting the consent mode string.
func WithConsentMode(fn func() string) CollectorOption {
	return func(a *CollectorAdapter) { a.consent = fn }
}

// WithInit sets a readiness check run by Init, e.g. a collector health check.
func WithInit(fn func(ctx context.Context) error) CollectorOption {
	return func(a *CollectorAdapter) { a.initFn = fn }
}

// NewCollectorAdapter creates an adapter with a fresh session.
func NewCollectorAdapter(opts ...CollectorOption) *CollectorAdapter {
	a := &CollectorAdapter{
		session: event.SessionInfo{
			VisitorID:    "visitor-" + uuid.NewString(),
			SessionID:    "session-" + uuid.NewString(),
			SessionStart: time.Now().UTC().Format(time.RFC3339),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *CollectorAdapter) Name() string { return "collector" }

func (a *CollectorAdapter) Init(ctx context.Context) error {
	if a.initFn == nil {
		return nil
	}
	return a.initFn(ctx)
}

func (a *CollectorAdapter) Track(e event.Event, _ event.Track) (event.Envelope, error) {
	return a.stamp(e.Envelope()), nil
}

func (a *CollectorAdapter) Pageview(e event.Event, p event.Pageview) (event.Envelope, error) {
	if p.URL == "" {
		return event.Envelope{}, errors.New("pageview without url")
	}
	return a.stamp(e.Envelope()), nil
}

func (a *CollectorAdapter) Identify(e event.Event, p event.Identify) (event.Envelope, error) {
	a.mu.Lock()
	a.userID = p.UserID
	a.mu.Unlock()
	return a.stamp(e.Envelope()), nil
}

func (a *CollectorAdapter) stamp(env event.Envelope) event.Envelope {
	a.mu.Lock()
	a.session.SessionSeq++
	env.Session = a.session
	if env.UserID == "" {
		env.UserID = a.userID
	}
	a.mu.Unlock()
	if a.consent != nil {
		env.Consent.ConsentMode = a.consent()
	}
	return env
}

// NoopAdapter accepts every call and discards every event. It stands in when
// the real provider cannot be initialized.
type NoopAdapter struct{}

func (NoopAdapter) Name() string               { return "noop" }
func (NoopAdapter) Init(context.Context) error { return nil }

func (NoopAdapter) Track(event.Event, event.Track) (event.Envelope, error) {
	return event.Envelope{}, ErrDiscard
}

func (NoopAdapter) Pageview(event.Event, event.Pageview) (event.Envelope, error) {
	return event.Envelope{}, ErrDiscard
}

func (NoopAdapter) Identify(event.Event, event.Identify) (event.Envelope, error) {
	return event.Envelope{}, ErrDiscard
}
