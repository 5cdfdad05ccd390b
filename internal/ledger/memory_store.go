package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/huntboard/huntboard/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	txns   []*Transaction
	byTask map[string]map[Type]*Transaction // guarded rows only
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTask: make(map[string]map[Type]*Transaction),
	}
}

func (m *MemoryStore) Record(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(txn)
}

func (m *MemoryStore) RecordPair(ctx context.Context, first, second *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check both guards before appending either row.
	if err := m.checkGuardLocked(first); err != nil {
		return err
	}
	if err := m.checkGuardLocked(second); err != nil {
		return err
	}
	if err := m.recordLocked(first); err != nil {
		return err
	}
	return m.recordLocked(second)
}

func (m *MemoryStore) checkGuardLocked(txn *Transaction) error {
	if txn.TaskID == "" || !guarded(txn.Type) {
		return nil
	}
	if _, exists := m.byTask[txn.TaskID][txn.Type]; exists {
		return ErrDuplicateTransaction
	}
	return nil
}

func (m *MemoryStore) recordLocked(txn *Transaction) error {
	if err := m.checkGuardLocked(txn); err != nil {
		return err
	}
	cp := *txn
	m.txns = append(m.txns, &cp)
	if cp.TaskID != "" && guarded(cp.Type) {
		if m.byTask[cp.TaskID] == nil {
			m.byTask[cp.TaskID] = make(map[Type]*Transaction)
		}
		m.byTask[cp.TaskID][cp.Type] = &cp
	}
	return nil
}

func (m *MemoryStore) GetByTaskAndType(ctx context.Context, taskID string, t Type) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, txn := range m.txns {
		if txn.TaskID == taskID && txn.Type == t {
			cp := *txn
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListByTask(ctx context.Context, taskID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.TaskID == taskID {
			cp := *txn
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for _, txn := range m.txns {
		if txn.UserID != userID {
			continue
		}
		if cursor != nil {
			if txn.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if txn.CreatedAt.Equal(cursor.CreatedAt) && txn.ID >= cursor.ID {
				continue
			}
		}
		cp := *txn
		matched = append(matched, &cp)
	}

	// Newest first; break timestamp ties on ID for a stable cursor order.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) SumByUser(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	for _, txn := range m.txns {
		sums[txn.UserID] += txn.AmountCents
	}
	return sums, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
