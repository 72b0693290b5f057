package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow // keyed by booking id
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[esc.BookingID]; ok {
		return ErrDuplicateEscrow
	}
	cp := *esc
	m.escrows[esc.BookingID] = &cp
	return nil
}

func (m *MemoryStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	esc, ok := m.escrows[bookingID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *esc
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[esc.BookingID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *esc
	m.escrows[esc.BookingID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, esc := range m.escrows {
		if esc.Status == status {
			cp := *esc
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
