package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/huntboard/huntboard/internal/syncutil"
)

// MemoryStore is an in-memory balance store for demo/development mode.
// Per-user operations serialize on a sharded mutex so concurrent debits
// can never drive a balance negative.
type MemoryStore struct {
	locks    syncutil.ShardedMutex
	mu       sync.RWMutex
	balances map[string]*Balance
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, BalanceCents: 0, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	bal.BalanceCents += amountCents
	bal.UpdatedAt = time.Now()
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok || bal.BalanceCents < amountCents {
		var have int64
		if ok {
			have = bal.BalanceCents
		}
		return nil, &InsufficientFundsError{
			UserID:       userID,
			BalanceCents: have,
			NeededCents:  amountCents,
		}
	}
	bal.BalanceCents -= amountCents
	bal.UpdatedAt = time.Now()
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Balance, 0, len(m.balances))
	for _, bal := range m.balances {
		cp := *bal
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
