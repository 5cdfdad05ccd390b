package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/huntboard/huntboard/internal/idgen"
	"github.com/huntboard/huntboard/internal/outbox"
)

// MemoryStore is an in-memory task store for demo/development mode.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	box   outbox.Enqueuer
}

// NewMemoryStore creates an in-memory task store. The enqueuer backs
// TransitionWithEvent; both writes happen under the store lock.
func NewMemoryStore(box outbox.Enqueuer) *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		box:   box,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = idgen.WithPrefix("task_")
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.tasks[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Accept(ctx context.Context, id, hunterID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusOpen || t.HunterID != "" {
		return nil, &StateTransitionError{TaskID: id, Current: t.Status, From: StatusOpen, To: StatusPendingEscrow}
	}
	t.Status = StatusPendingEscrow
	t.HunterID = hunterID
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) StartWork(ctx context.Context, id, escrowRef string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusPendingEscrow {
		return nil, &StateTransitionError{TaskID: id, Current: t.Status, From: StatusPendingEscrow, To: StatusInProgress}
	}
	now := time.Now()
	t.Status = StatusInProgress
	t.EscrowRef = escrowRef
	t.AcceptedAt = &now
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Reopen(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusPendingEscrow {
		return nil, &StateTransitionError{TaskID: id, Current: t.Status, From: StatusPendingEscrow, To: StatusOpen}
	}
	t.Status = StatusOpen
	t.HunterID = ""
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, from, to)
}

func (m *MemoryStore) transitionLocked(id string, from, to Status) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != from {
		return nil, &StateTransitionError{TaskID: id, Current: t.Status, From: from, To: to}
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) TransitionWithEvent(ctx context.Context, id string, from, to Status, ev *outbox.Event) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the CAS before the enqueue so a failed swap leaves no
	// stray event behind.
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != from {
		return nil, &StateTransitionError{TaskID: id, Current: t.Status, From: from, To: to}
	}
	if err := m.box.Enqueue(ctx, ev); err != nil {
		return nil, err
	}
	return m.transitionLocked(id, from, to)
}

func (m *MemoryStore) ListByPoster(ctx context.Context, posterID string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Task
	for _, t := range m.tasks {
		if t.PosterID == posterID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortNewest(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Task
	for _, t := range m.tasks {
		if t.Status == StatusOpen {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortNewest(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewest(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
