package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/trackpipe/internal/event"
)

func track(name string, cat event.Category) event.Event {
	return event.New(event.Track{Name: name}, cat, nil)
}

func names(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload.(event.Track).Name)
	}
	return out
}

func TestQueue_EnqueueAndFlushAll(t *testing.T) {
	q := New(10)
	for _, n := range []string{"a", "b", "c"} {
		id, ok := q.Enqueue(track(n, event.CategoryAnalytics))
		require.True(t, ok)
		require.NotEmpty(t, id)
	}
	assert.Equal(t, 3, q.Len())

	got := q.FlushAll()
	assert.Equal(t, []string{"a", "b", "c"}, names(got))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.FlushAll())
}

func TestQueue_Bound(t *testing.T) {
	var overflows [][]event.Event
	q := New(3, WithOverflow(func(ev []event.Event) { overflows = append(overflows, ev) }))

	const enqueued = 8
	for i := 0; i < enqueued; i++ {
		q.Enqueue(track(string(rune('a'+i)), event.CategoryAnalytics))
		require.LessOrEqual(t, q.Len(), q.Cap(), "size exceeded capacity after enqueue %d", i)
	}

	var evicted []string
	for _, batch := range overflows {
		evicted = append(evicted, names(batch)...)
	}
	assert.Len(t, evicted, enqueued-3)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, evicted, "eviction must be oldest-first")
	assert.Equal(t, []string{"f", "g", "h"}, names(q.FlushAll()))
}

func TestQueue_FlushEssential(t *testing.T) {
	q := New(10)
	q.Enqueue(track("a1", event.CategoryAnalytics))
	q.Enqueue(track("e1", event.CategoryEssential))
	q.Enqueue(track("m1", event.CategoryMarketing))
	q.Enqueue(track("e2", event.CategoryEssential))
	q.Enqueue(track("a2", event.CategoryAnalytics))

	essential := q.FlushEssential()
	assert.Equal(t, []string{"e1", "e2"}, names(essential))
	for _, e := range essential {
		assert.True(t, e.Essential())
	}
	assert.Equal(t, []string{"a1", "m1", "a2"}, names(q.FlushAll()))
}

func TestQueue_Clear(t *testing.T) {
	q := New(10)
	q.Enqueue(track("a", event.CategoryAnalytics))
	q.Enqueue(track("e", event.CategoryEssential))
	q.Enqueue(track("p", event.CategoryPreferences))

	assert.Equal(t, 2, q.ClearNonEssential())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Pause(t *testing.T) {
	q := New(2)
	q.Pause()
	assert.True(t, q.Paused())
	_, ok := q.Enqueue(track("x", event.CategoryEssential))
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())

	q.Resume()
	_, ok = q.Enqueue(track("y", event.CategoryEssential))
	assert.True(t, ok)
}

func TestQueue_SetCapacity(t *testing.T) {
	var calls int
	var evicted []event.Event
	q := New(5, WithOverflow(func(ev []event.Event) {
		calls++
		evicted = ev
	}))
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue(track(n, event.CategoryAnalytics))
	}

	q.SetCapacity(2)
	assert.Equal(t, 1, calls, "shrink reports once")
	assert.Equal(t, []string{"a", "b", "c"}, names(evicted))
	assert.Equal(t, 2, q.Cap())
	assert.Equal(t, []string{"d", "e"}, names(q.FlushAll()))

	q.SetCapacity(10)
	assert.Equal(t, 1, calls, "growing never evicts")
}

func TestQueue_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(track("x", event.CategoryAnalytics))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
}
