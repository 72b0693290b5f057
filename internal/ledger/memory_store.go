package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Transaction
	postings map[string]bool // "accountID:externalRef" -> posted
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		postings: make(map[string]bool),
	}
}

func (m *MemoryStore) account(accountID string) *Account {
	acct, ok := m.accounts[accountID]
	if !ok {
		now := time.Now()
		acct = &Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
		m.accounts[accountID] = acct
	}
	return acct
}

func (m *MemoryStore) FindAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.account(accountID)
	return &cp, nil
}

func (m *MemoryStore) Post(ctx context.Context, accountID string, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ExternalRef != "" && m.postings[accountID+":"+tx.ExternalRef] {
		return ErrDuplicateTransaction
	}

	acct := m.account(accountID)
	balance, locked, earnings, withdrawn := tx.effects()
	if acct.Balance+balance < 0 || acct.LockedBalance+locked < 0 {
		return ErrInsufficientFunds
	}

	acct.Balance += balance
	acct.LockedBalance += locked
	acct.TotalEarnings += earnings
	acct.TotalWithdrawn += withdrawn
	acct.UpdatedAt = time.Now()

	cp := *tx
	m.entries = append(m.entries, &cp)
	if tx.ExternalRef != "" {
		m.postings[accountID+":"+tx.ExternalRef] = true
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasPosting(ctx context.Context, accountID, externalRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if externalRef == "" {
		return false, nil
	}
	return m.postings[accountID+":"+externalRef], nil
}
