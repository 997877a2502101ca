package consent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/trackpipe/internal/event"
)

type failingStore struct {
	saves int
}

func (s *failingStore) Load() (*Snapshot, error) { return nil, errors.New("storage unavailable") }

func (s *failingStore) Save(Snapshot) error {
	s.saves++
	return errors.New("quota exceeded")
}

type panickingStore struct{}

func (panickingStore) Load() (*Snapshot, error) { return nil, nil }
func (panickingStore) Save(Snapshot) error      { panic("disk on fire") }

func TestManager_Transitions(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })

	assert.Equal(t, StatusPending, m.Status())
	assert.True(t, m.Grant())
	assert.False(t, m.Grant(), "self-transition is a no-op")
	assert.True(t, m.Reset())
	assert.True(t, m.Deny())
	assert.False(t, m.Deny())

	require.Len(t, changes, 3)
	assert.Equal(t, Change{From: StatusPending, To: StatusGranted, Snapshot: changes[0].Snapshot}, changes[0])
	assert.Equal(t, StatusGranted, changes[1].From)
	assert.Equal(t, StatusPending, changes[1].To)
	assert.Equal(t, StatusDenied, changes[2].To)
}

func TestManager_DenyAfterGrantPassesThroughPending(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	m.Grant()

	var seen []Status
	m.OnChange(func(c Change) { seen = append(seen, c.To) })
	assert.True(t, m.Deny())
	assert.Equal(t, []Status{StatusPending, StatusDenied}, seen)
}

func TestManager_IsAllowed(t *testing.T) {
	tests := []struct {
		name        string
		allowOnDeny bool
		apply       func(*Manager)
		category    event.Category
		want        bool
	}{
		{"essential while pending", false, func(*Manager) {}, event.CategoryEssential, true},
		{"analytics while pending", false, func(*Manager) {}, event.CategoryAnalytics, false},
		{"analytics when granted", false, func(m *Manager) { m.Grant() }, event.CategoryAnalytics, true},
		{"marketing when granted", false, func(m *Manager) { m.Grant() }, event.CategoryMarketing, true},
		{"essential when denied", false, func(m *Manager) { m.Deny() }, event.CategoryEssential, false},
		{"essential when denied with override", true, func(m *Manager) { m.Deny() }, event.CategoryEssential, true},
		{"analytics when denied with override", true, func(m *Manager) { m.Deny() }, event.CategoryAnalytics, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{AllowEssentialOnDenied: tt.allowOnDeny}, nil, nil)
			tt.apply(m)
			assert.Equal(t, tt.want, m.IsAllowed(tt.category))
		})
	}
}

func TestManager_ListenerIsolation(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	var order []string
	m.OnChange(func(Change) { order = append(order, "first") })
	m.OnChange(func(Change) { panic("listener bug") })
	m.OnChange(func(Change) { order = append(order, "third") })

	assert.NotPanics(t, func() { m.Grant() })
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestManager_Unsubscribe(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	calls := 0
	unsub := m.OnChange(func(Change) { calls++ })
	m.Grant()
	unsub()
	unsub()
	m.Reset()
	assert.Equal(t, 1, calls)
}

func TestManager_PromoteImplicit(t *testing.T) {
	t.Run("promotes once when implicit", func(t *testing.T) {
		m := NewManager(Config{Implicit: true}, nil, nil)
		assert.True(t, m.PromoteImplicitIfPending())
		snap := m.Snapshot()
		assert.Equal(t, StatusGranted, snap.Status)
		assert.Equal(t, MethodImplicit, snap.Method)

		m.Reset()
		m.Grant()
		m.Reset()
		assert.True(t, m.PromoteImplicitIfPending(), "reset re-arms implicit promotion")
		assert.False(t, m.PromoteImplicitIfPending())
	})

	t.Run("does nothing when explicit", func(t *testing.T) {
		m := NewManager(Config{}, nil, nil)
		assert.False(t, m.PromoteImplicitIfPending())
		assert.Equal(t, StatusPending, m.Status())
	})

	t.Run("does not override a denial", func(t *testing.T) {
		m := NewManager(Config{Implicit: true}, nil, nil)
		m.Deny()
		assert.False(t, m.PromoteImplicitIfPending())
		assert.Equal(t, StatusDenied, m.Status())
	})

	t.Run("implicit grant is not persisted", func(t *testing.T) {
		store := NewMemoryStore()
		m := NewManager(Config{Implicit: true}, store, nil)
		m.PromoteImplicitIfPending()
		snap, err := store.Load()
		require.NoError(t, err)
		assert.Nil(t, snap)
	})
}

func TestManager_Persistence(t *testing.T) {
	t.Run("restores matching version", func(t *testing.T) {
		store := NewMemoryStore()
		NewManager(Config{PolicyVersion: "v2"}, store, nil).Grant()

		m := NewManager(Config{PolicyVersion: "v2"}, store, nil)
		assert.Equal(t, StatusGranted, m.Status())
	})

	t.Run("re-prompts on version change", func(t *testing.T) {
		store := NewMemoryStore()
		NewManager(Config{PolicyVersion: "v1"}, store, nil).Deny()

		m := NewManager(Config{PolicyVersion: "v2"}, store, nil)
		assert.Equal(t, StatusPending, m.Status())
	})

	t.Run("store failures never reach the caller", func(t *testing.T) {
		store := &failingStore{}
		m := NewManager(Config{}, store, nil)
		assert.Equal(t, StatusPending, m.Status())
		assert.True(t, m.Grant())
		assert.Equal(t, StatusGranted, m.Status())
		assert.Equal(t, 1, store.saves)
	})

	t.Run("store panics are contained", func(t *testing.T) {
		m := NewManager(Config{}, panickingStore{}, nil)
		assert.NotPanics(t, func() { m.Deny() })
		assert.Equal(t, StatusDenied, m.Status())
	})
}
