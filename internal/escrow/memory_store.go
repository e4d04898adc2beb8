package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow account store for development mode.
type MemoryStore struct {
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.EventID]; ok {
		return ErrAlreadyProvisioned
	}
	cp := *a
	m.accounts[a.EventID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[eventID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.EventID]; !ok {
		return ErrAccountNotFound
	}
	cp := *a
	m.accounts[a.EventID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
