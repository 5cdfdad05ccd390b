package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huntboard/huntboard/internal/idgen"
)

// MemoryStore is an in-memory outbox for demo/development mode. Events do
// not survive a process restart; production deployments use PostgresStore.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	dedup  map[string]string // dedup key -> event ID, live events only
}

// NewMemoryStore creates a new in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		dedup:  make(map[string]string),
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.DedupKey != "" {
		if _, exists := m.dedup[ev.DedupKey]; exists {
			return ErrDuplicateEvent
		}
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Status = StatusPending
	if ev.NextRetryAt.IsZero() {
		ev.NextRetryAt = ev.CreatedAt
	}

	cp := *ev
	m.events[cp.ID] = &cp
	if cp.DedupKey != "" {
		m.dedup[cp.DedupKey] = cp.ID
	}
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Event
	for _, ev := range m.events {
		if ev.Status == StatusPending && !ev.NextRetryAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Event, 0, len(due))
	for _, ev := range due {
		ev.Status = StatusProcessing
		cp := *ev
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now()
	ev.Status = StatusCompleted
	ev.ProcessedAt = &now
	m.releaseDedupLocked(ev)
	return nil
}

// releaseDedupLocked frees the dedup key once the event leaves the live
// pending/processing states, matching the partial index in postgres.
func (m *MemoryStore) releaseDedupLocked(ev *Event) {
	if ev.DedupKey != "" {
		delete(m.dedup, ev.DedupKey)
	}
}

func (m *MemoryStore) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = StatusPending
	ev.RetryCount++
	ev.NextRetryAt = nextRetryAt
	ev.LastError = lastError
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = StatusFailed
	ev.RetryCount++
	ev.LastError = lastError
	m.releaseDedupLocked(ev)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.Status == status {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if ev.Status != StatusFailed {
		return ErrNotFailed
	}
	if ev.DedupKey != "" {
		if otherID, exists := m.dedup[ev.DedupKey]; exists && otherID != ev.ID {
			return ErrDuplicateEvent
		}
		m.dedup[ev.DedupKey] = ev.ID
	}
	ev.Status = StatusPending
	ev.RetryCount = 0
	ev.NextRetryAt = time.Now()
	ev.LastError = ""
	return nil
}

func (m *MemoryStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, ev := range m.events {
		if ev.Status == StatusCompleted && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(m.events, id)
			if ev.DedupKey != "" {
				delete(m.dedup, ev.DedupKey)
			}
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Without a claim timestamp in memory mode, treat any processing
	// event older than the cutoff as stuck.
	var requeued int64
	for _, ev := range m.events {
		if ev.Status == StatusProcessing && ev.CreatedAt.Before(cutoff) {
			ev.Status = StatusPending
			ev.NextRetryAt = time.Now()
			requeued++
		}
	}
	return requeued, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
