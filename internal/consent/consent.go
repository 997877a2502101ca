// Package consent tracks the user's consent decision, persists it through a
// pluggable store and notifies subscribers when it changes.
package consent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shortontech/trackpipe/internal/event"
)

// Status is the consent decision.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// Method records how a decision was reached.
type Method string

const (
	MethodExplicit Method = "explicit"
	MethodImplicit Method = "implicit"
)

// Snapshot is the persisted form of the consent state.
type Snapshot struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Method    Method    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
}

// Change is delivered to listeners for every actual status change.
type Change struct {
	From     Status
	To       Status
	Snapshot Snapshot
}

// Listener observes consent changes.
type Listener func(Change)

// Config configures a Manager.
type Config struct {
	// Implicit enables PromoteImplicitIfPending.
	Implicit bool

	// PolicyVersion is the current consent policy version. A persisted
	// decision recorded under another version is ignored.
	PolicyVersion string

	// AllowEssentialOnDenied lets essential events through after a denial.
	AllowEssentialOnDenied bool
}

type subscription struct {
	id int
	fn Listener
}

// Manager owns the consent state. It is safe for concurrent use; listeners
// run after the lock is released, in subscription order.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	snap      Snapshot
	store     Store
	listeners []subscription
	nextID    int
	promoted  bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager and restores the persisted decision from
// store, if any. A nil store disables persistence.
func NewManager(cfg Config, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	m.snap = Snapshot{Status: StatusPending, Version: cfg.PolicyVersion, Method: MethodExplicit, Timestamp: m.now()}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load()
	if err != nil {
		m.logger.Warn("consent restore failed", slog.String("error", err.Error()))
		return
	}
	if snap == nil {
		return
	}
	if snap.Version != m.cfg.PolicyVersion {
		m.logger.Info("consent policy version changed, re-prompting",
			slog.String("stored", snap.Version),
			slog.String("current", m.cfg.PolicyVersion),
		)
		return
	}
	switch snap.Status {
	case StatusGranted, StatusDenied, StatusPending:
		m.snap = *snap
	default:
		m.logger.Warn("ignoring unknown persisted consent status", slog.String("status", string(snap.Status)))
	}
}

// Grant records an explicit grant.
func (m *Manager) Grant() bool { return m.set(StatusGranted, MethodExplicit, true) }

// Deny records an explicit denial. A grant is first reset to pending so
// that each notification is a permitted transition.
func (m *Manager) Deny() bool { return m.set(StatusDenied, MethodExplicit, true) }

// Reset returns to pending.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	m.promoted = false
	m.mu.Unlock()
	return m.set(StatusPending, MethodExplicit, true)
}

// PromoteImplicitIfPending grants consent implicitly, once, when implicit
// mode is configured and no decision has been made.
func (m *Manager) PromoteImplicitIfPending() bool {
	m.mu.Lock()
	if !m.cfg.Implicit || m.promoted || m.snap.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	m.promoted = true
	m.mu.Unlock()
	return m.set(StatusGranted, MethodImplicit, false)
}

// set moves to status through permitted transitions, notifying once per
// actual change.
func (m *Manager) set(to Status, method Method, persist bool) bool {
	m.mu.Lock()
	from := m.snap.Status
	if from == to {
		m.mu.Unlock()
		return false
	}
	var changes []Change
	if from != StatusPending && to != StatusPending {
		changes = append(changes, m.applyLocked(StatusPending, method))
	}
	changes = append(changes, m.applyLocked(to, method))
	snap := m.snap
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if persist {
		if err := m.persist(snap); err != nil {
			m.logger.Warn("consent persist failed", slog.String("error", err.Error()))
		}
	}
	for _, c := range changes {
		m.logger.Debug("consent changed", slog.String("from", string(c.From)), slog.String("to", string(c.To)))
		for _, l := range listeners {
			m.invoke(l, c)
		}
	}
	return true
}

func (m *Manager) applyLocked(to Status, method Method) Change {
	from := m.snap.Status
	m.snap = Snapshot{Status: to, Version: m.cfg.PolicyVersion, Method: method, Timestamp: m.now()}
	return Change{From: from, To: to, Snapshot: m.snap}
}

// persist writes snap to the store. Failures are returned to be logged, never
// propagated to callers of Grant/Deny/Reset.
func (m *Manager) persist(snap Snapshot) (err error) {
	if m.store == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("consent store panicked: %v", rec)
		}
	}()
	return m.store.Save(snap)
}

func (m *Manager) invoke(s subscription, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("consent listener panicked", slog.Int("listener", s.id), slog.Any("panic", rec))
		}
	}()
	s.fn(c)
}

// OnChange subscribes fn and returns its unsubscribe function.
func (m *Manager) OnChange(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.listeners {
			if s.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// IsAllowed reports whether events of category may be sent under the
// current decision.
func (m *Manager) IsAllowed(category event.Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if category == event.CategoryEssential {
		return m.snap.Status != StatusDenied || m.cfg.AllowEssentialOnDenied
	}
	return m.snap.Status == StatusGranted
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Status
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
