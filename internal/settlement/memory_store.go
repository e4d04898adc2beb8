package settlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory payment store for development mode.
type MemoryStore struct {
	payments map[string]*Payment
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPending(ctx context.Context, id string) (*Payment, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, t Transition) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.Status != StatusPending {
		return nil, ErrPaymentNotFound
	}
	p.Status = t.Status
	p.TransactionHash = t.TransactionHash
	p.FailureReason = t.FailureReason
	p.UpdatedAt = t.At
	cp := *p
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
