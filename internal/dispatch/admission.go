package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// admission starts sends in the order they were pushed, at most limit at a
// time. Push never blocks; a single goroutine, alive only while the queue is
// non-empty, acquires the semaphore for each send in turn.
type admission struct {
	sem   *semaphore.Weighted
	start func(*send)

	mu      sync.Mutex
	queue   []*send
	running bool
}

func newAdmission(limit int, start func(*send)) *admission {
	if limit < 1 {
		limit = 1
	}
	return &admission{sem: semaphore.NewWeighted(int64(limit)), start: start}
}

func (a *admission) push(s *send) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, s)
	if !a.running {
		a.running = true
		go a.loop()
	}
}

func (a *admission) loop() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		s := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		// Background never cancels, so Acquire only returns once a slot is free.
		_ = a.sem.Acquire(context.Background(), 1)
		a.start(s)
	}
}

// release frees the slot held by a started send.
func (a *admission) release() { a.sem.Release(1) }

// waiting is the number of sends not yet started, excluding one that may be
// blocked in Acquire.
func (a *admission) waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
