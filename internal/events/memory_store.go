package events

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory event catalog for development and tests.
type MemoryStore struct {
	events map[string]*Event
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory catalog seeded with evs.
func NewMemoryStore(evs ...*Event) *MemoryStore {
	m := &MemoryStore{events: make(map[string]*Event)}
	for _, e := range evs {
		m.Put(e)
	}
	return m
}

// Put adds or replaces an event.
func (m *MemoryStore) Put(e *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events[e.ID] = &cp
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

var _ Lookup = (*MemoryStore)(nil)
