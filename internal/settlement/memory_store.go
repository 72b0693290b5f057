package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
type MemoryStore struct {
	settlements map[string]*Settlement // keyed by external id
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settlements: make(map[string]*Settlement)}
}

func (m *MemoryStore) Create(ctx context.Context, stl *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[stl.ExternalID]; ok {
		return ErrDuplicateSettlement
	}
	cp := *stl
	m.settlements[stl.ExternalID] = &cp
	return nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stl, ok := m.settlements[externalID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	cp := *stl
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, stl *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[stl.ExternalID]; !ok {
		return ErrSettlementNotFound
	}
	cp := *stl
	m.settlements[stl.ExternalID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, stl := range m.settlements {
		cp := *stl
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SettledAt.After(result[j].SettledAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUnreconciled(ctx context.Context, limit int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, stl := range m.settlements {
		if stl.Status == StatusProcessed && !stl.Reconciled {
			cp := *stl
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) LatestSettledAt(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, stl := range m.settlements {
		if stl.SettledAt.After(latest) {
			latest = stl.SettledAt
		}
	}
	return latest, nil
}
