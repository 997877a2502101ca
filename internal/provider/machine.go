// Package provider tracks the lifecycle of the analytics backend and shapes
// events for it.
package provider

import (
	"log/slog"
	"sync"
	"time"
)

// State is a provider lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Trigger drives a transition.
type Trigger int

const (
	TriggerInit Trigger = iota
	TriggerReady
	TriggerError
	TriggerDestroy
)

func (t Trigger) String() string {
	switch t {
	case TriggerInit:
		return "INIT"
	case TriggerReady:
		return "READY"
	case TriggerError:
		return "ERROR"
	case TriggerDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// transitions is the full table; anything absent is rejected.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerInit:    StateInitializing,
		TriggerDestroy: StateDestroyed,
	},
	StateInitializing: {
		TriggerReady:   StateReady,
		TriggerError:   StateIdle,
		TriggerDestroy: StateDestroyed,
	},
	StateReady: {
		TriggerDestroy: StateDestroyed,
	},
}

// Transition is one entry of the machine's history.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	At      time.Time
}

const maxHistory = 64

type readyWaiter struct {
	id int
	fn func()
}

// Machine is the readiness state machine. It is safe for concurrent use.
// Ready callbacks never run while the lock is held.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition
	waiters []readyWaiter
	nextID  int
	ready   chan struct{}

	async    []func()
	draining bool

	logger *slog.Logger
}

// NewMachine returns a machine in StateIdle.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		state:  StateIdle,
		ready:  make(chan struct{}),
		logger: logger,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send applies trigger. Transitions missing from the table leave the state
// unchanged, notify nobody, log a warning and return false.
func (m *Machine) Send(trigger Trigger) bool {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from][trigger]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("invalid provider transition",
			slog.String("state", from.String()),
			slog.String("trigger", trigger.String()),
		)
		return false
	}
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, Trigger: trigger, At: time.Now()})
	if len(m.history) > maxHistory {
		m.history = append(m.history[:0:0], m.history[len(m.history)-maxHistory:]...)
	}

	var fire []readyWaiter
	switch to {
	case StateReady:
		fire = m.waiters
		m.waiters = nil
		close(m.ready)
	case StateDestroyed:
		m.waiters = nil
	}
	m.mu.Unlock()

	m.logger.Debug("provider transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	for _, w := range fire {
		m.run(w.fn)
	}
	return true
}

// OnReady registers a one-shot callback for the transition into ready. If
// the machine is already ready the callback is scheduled asynchronously,
// after any callbacks scheduled earlier, and the returned unsubscribe is a
// no-op.
func (m *Machine) OnReady(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateReady {
		m.async = append(m.async, fn)
		if !m.draining {
			m.draining = true
			go m.drainAsync()
		}
		return func() {}
	}
	if m.state == StateDestroyed {
		return func() {}
	}

	m.nextID++
	id := m.nextID
	m.waiters = append(m.waiters, readyWaiter{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.waiters {
			if w.id == id {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				return
			}
		}
	}
}

// Ready returns a channel closed once the machine first becomes ready.
func (m *Machine) Ready() <-chan struct{} {
	return m.ready
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) drainAsync() {
	for {
		m.mu.Lock()
		if len(m.async) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		fn := m.async[0]
		m.async = m.async[1:]
		m.mu.Unlock()
		m.run(fn)
	}
}

func (m *Machine) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("ready callback panicked", slog.Any("panic", rec))
		}
	}()
	fn()
}
