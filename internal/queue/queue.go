// Package queue holds events that cannot be delivered yet, bounded by a
// capacity with oldest-first eviction.
package queue

import (
	"log/slog"
	"sync"

	"github.com/shortontech/trackpipe/internal/event"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 100

// OverflowFunc receives every batch of evicted events, oldest first.
type OverflowFunc func(evicted []event.Event)

// Queue is an ordered, bounded buffer of events. It is safe for concurrent
// use; the overflow callback runs after the lock is released.
type Queue struct {
	mu       sync.Mutex
	items    []event.Event
	capacity int
	paused   bool

	onOverflow OverflowFunc
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithOverflow sets the eviction callback.
func WithOverflow(fn OverflowFunc) Option {
	return func(q *Queue) { q.onOverflow = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a queue with the given capacity.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity: capacity,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends e and returns its id. It returns ok=false only when the
// queue is paused. When full, the oldest events are evicted first and
// reported through one overflow callback.
func (q *Queue) Enqueue(e event.Event) (id string, ok bool) {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		q.logger.Debug("queue paused, event dropped", slog.String("event_id", e.ID))
		return "", false
	}
	var evicted []event.Event
	if over := len(q.items) - q.capacity + 1; over > 0 {
		evicted = q.evictLocked(over)
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	q.notify(evicted)
	return e.ID, true
}

// FlushAll removes and returns every queued event in insertion order.
func (q *Queue) FlushAll() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// FlushEssential removes and returns only essential events. All other events
// keep their relative order.
func (q *Queue) FlushEssential() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var essential []event.Event
	kept := q.items[:0]
	for _, e := range q.items {
		if e.Essential() {
			essential = append(essential, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(q.items[len(kept):])
	q.items = kept
	return essential
}

// Clear drops all events and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// ClearNonEssential drops every non-essential event and returns the count.
func (q *Queue) ClearNonEssential() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, e := range q.items {
		if e.Essential() {
			kept = append(kept, e)
		}
	}
	n := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	return n
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// SetCapacity changes the capacity. Shrinking below the current size evicts
// from the front through the overflow callback.
func (q *Queue) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	q.mu.Lock()
	q.capacity = n
	var evicted []event.Event
	if over := len(q.items) - n; over > 0 {
		evicted = q.evictLocked(over)
	}
	q.mu.Unlock()
	q.notify(evicted)
}

// Pause makes Enqueue reject events until Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables Enqueue.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether the queue rejects new events.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) evictLocked(n int) []event.Event {
	evicted := make([]event.Event, n)
	copy(evicted, q.items[:n])
	remaining := copy(q.items, q.items[n:])
	clear(q.items[remaining:])
	q.items = q.items[:remaining]
	return evicted
}

func (q *Queue) notify(evicted []event.Event) {
	if len(evicted) == 0 {
		return
	}
	q.logger.Warn("queue overflow", slog.Int("evicted", len(evicted)))
	if q.onOverflow != nil {
		q.onOverflow(evicted)
	}
}
