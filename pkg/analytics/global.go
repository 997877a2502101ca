package analytics

import (
	"context"
	"sync"

	"github.com/shortontech/trackpipe/pkg/config"
)

// Client is the tracking surface shared by Tracker and Noop.
type Client interface {
	Track(name string, props map[string]any, opts ...EventOption)
	Pageview(rawURL, referrer, title string, opts ...EventOption)
	Identify(userID string, traits map[string]any, opts ...EventOption)
	Grant() bool
	Deny() bool
	ResetConsent() bool
	HasQueued() bool
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Destroy()
}

var (
	_ Client = (*Tracker)(nil)
	_ Client = Noop{}
)

// Noop accepts every call and does nothing.
type Noop struct{}

func (Noop) Track(string, map[string]any, ...EventOption)    {}
func (Noop) Pageview(string, string, string, ...EventOption) {}
func (Noop) Identify(string, map[string]any, ...EventOption) {}
func (Noop) Grant() bool                                     { return false }
func (Noop) Deny() bool                                      { return false }
func (Noop) ResetConsent() bool                              { return false }
func (Noop) HasQueued() bool                                 { return false }
func (Noop) Flush(context.Context) error                     { return nil }
func (Noop) Shutdown(context.Context) error                  { return nil }
func (Noop) Destroy()                                        {}

var (
	globalMu sync.RWMutex
	global   Client = Noop{}
)

// Setup builds and initializes the process-wide client used by the
// package-level functions, replacing (and destroying) the previous one.
// When the tracker cannot be built or initialized the error is returned and
// a Noop client is installed, so package-level calls stay safe. A disabled
// configuration installs Noop without error.
func Setup(ctx context.Context, cfg config.Config, opts ...Option) error {
	if cfg.Disabled {
		install(Noop{})
		return nil
	}
	t, err := New(cfg, opts...)
	if err != nil {
		install(Noop{})
		return err
	}
	if err := t.Init(ctx); err != nil {
		t.Destroy()
		install(Noop{})
		return err
	}
	install(t)
	return nil
}

func install(c Client) {
	globalMu.Lock()
	old := global
	global = c
	globalMu.Unlock()
	old.Destroy()
}

// Default returns the process-wide client.
func Default() Client {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Track records a custom event on the process-wide client.
func Track(name string, props map[string]any, opts ...EventOption) {
	Default().Track(name, props, opts...)
}

// Pageview records a page view on the process-wide client.
func Pageview(rawURL, referrer, title string, opts ...EventOption) {
	Default().Pageview(rawURL, referrer, title, opts...)
}

// Identify associates the process-wide client's events with userID.
func Identify(userID string, traits map[string]any, opts ...EventOption) {
	Default().Identify(userID, traits, opts...)
}

func Grant() bool        { return Default().Grant() }
func Deny() bool         { return Default().Deny() }
func ResetConsent() bool { return Default().ResetConsent() }

// Flush flushes the process-wide client.
func Flush(ctx context.Context) error { return Default().Flush(ctx) }

// Shutdown flushes and destroys the process-wide client and reinstalls Noop.
func Shutdown(ctx context.Context) error {
	globalMu.Lock()
	old := global
	global = Noop{}
	globalMu.Unlock()
	return old.Shutdown(ctx)
}
