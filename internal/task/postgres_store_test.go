//go:build integration

package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/settlement"
	"github.com/huntboard/huntboard/internal/testutil"
)

func newPGTask(t *testing.T, store *PostgresStore) *Task {
	t.Helper()
	task := &Task{
		PosterID:    "poster",
		Title:       "Paint the fence",
		AmountCents: 10000,
		Currency:    "usd",
		Status:      StatusOpen,
	}
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func TestPostgresStore_AcceptCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, outbox.NewPostgresStore(db))
	task := newPGTask(t, store)

	won, err := store.Accept(ctx, task.ID, "hunter_a")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingEscrow, won.Status)
	assert.Equal(t, "hunter_a", won.HunterID)

	// The second accept finds the row already swapped.
	_, err = store.Accept(ctx, task.ID, "hunter_b")
	var ste *StateTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, StatusPendingEscrow, ste.Current)

	// The loser did not overwrite the hunter.
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter_a", got.HunterID)
}

func TestPostgresStore_StartWorkAndReopen(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, outbox.NewPostgresStore(db))

	held := newPGTask(t, store)
	_, err := store.Accept(ctx, held.ID, "hunter")
	require.NoError(t, err)
	got, err := store.StartWork(ctx, held.ID, "hold_ref_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, "hold_ref_1", got.EscrowRef)
	require.NotNil(t, got.AcceptedAt)

	reverted := newPGTask(t, store)
	_, err = store.Accept(ctx, reverted.ID, "hunter")
	require.NoError(t, err)
	got, err = store.Reopen(ctx, reverted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Empty(t, got.HunterID)
}

func TestPostgresStore_TransitionWithEvent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	box := outbox.NewPostgresStore(db)
	store := NewPostgresStore(db, box)

	task := newPGTask(t, store)
	_, err := store.Accept(ctx, task.ID, "hunter")
	require.NoError(t, err)
	_, err = store.StartWork(ctx, task.ID, "hold_ref")
	require.NoError(t, err)

	ev, err := settlement.NewRefundEvent(task.ID, 9000, 1000)
	require.NoError(t, err)
	got, err := store.TransitionWithEvent(ctx, task.ID, StatusInProgress, StatusCancellationRequested, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusCancellationRequested, got.Status)

	pending, err := box.ListByStatus(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, settlement.EventRefund, pending[0].EventType)
}

func TestPostgresStore_TransitionWithEvent_FailedCASLeavesNoEvent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	box := outbox.NewPostgresStore(db)
	store := NewPostgresStore(db, box)

	task := newPGTask(t, store) // still open, not in_progress

	ev, err := settlement.NewRefundEvent(task.ID, 9000, 1000)
	require.NoError(t, err)
	_, err = store.TransitionWithEvent(ctx, task.ID, StatusInProgress, StatusCancellationRequested, ev)
	var ste *StateTransitionError
	require.True(t, errors.As(err, &ste))

	pending, err := box.ListByStatus(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPostgresStore_TransitionWithEvent_DuplicateEventRollsBackCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	box := outbox.NewPostgresStore(db)
	store := NewPostgresStore(db, box)

	task := newPGTask(t, store)
	_, err := store.Accept(ctx, task.ID, "hunter")
	require.NoError(t, err)
	_, err = store.StartWork(ctx, task.ID, "hold_ref")
	require.NoError(t, err)

	first, err := settlement.NewRefundEvent(task.ID, 9000, 1000)
	require.NoError(t, err)
	require.NoError(t, box.Enqueue(ctx, first))

	// The dedup key collides, so the status change must not stick.
	dup, err := settlement.NewRefundEvent(task.ID, 9000, 1000)
	require.NoError(t, err)
	_, err = store.TransitionWithEvent(ctx, task.ID, StatusInProgress, StatusCancellationRequested, dup)
	assert.ErrorIs(t, err, outbox.ErrDuplicateEvent)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestPostgresStore_Listings(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, outbox.NewPostgresStore(db))

	for i := 0; i < 3; i++ {
		newPGTask(t, store)
	}
	other := &Task{PosterID: "someone_else", Title: "Walk the dog", AmountCents: 500, Currency: "usd", Status: StatusOpen}
	require.NoError(t, store.Create(ctx, other))

	open, err := store.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 4)

	mine, err := store.ListByPoster(ctx, "poster", 10)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}
