package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntboard/huntboard/internal/pagination"
)

func TestRecordHold_Once(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	txn, err := svc.RecordHold(ctx, "task_1", "user_poster", 10000, "hold_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), txn.AmountCents)
	assert.Equal(t, TypeEscrowHold, txn.Type)

	// A second hold for the same task must be rejected by the guard.
	_, err = svc.RecordHold(ctx, "task_1", "user_poster", 10000, "hold_other")
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestRecordHold_InvalidAmount(t *testing.T) {
	svc := New(NewMemoryStore())
	_, err := svc.RecordHold(context.Background(), "task_1", "u", 0, "hold")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.RecordHold(context.Background(), "task_1", "u", -5, "hold")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordRelease_PairAndGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store)

	_, err := svc.RecordHold(ctx, "task_1", "poster", 10000, "hold_1")
	require.NoError(t, err)

	rel, err := svc.RecordRelease(ctx, "task_1", "hunter", 9000, "platform", 1000, "tr_1", "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), rel.AmountCents)

	// Fee row landed together with the release row.
	rows, err := store.ListByTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// Releasing twice is a duplicate, and must not add a second fee row.
	_, err = svc.RecordRelease(ctx, "task_1", "hunter", 9000, "platform", 1000, "tr_2", "ch_2")
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	rows, _ = store.ListByTask(ctx, "task_1")
	assert.Len(t, rows, 3)
}

func TestRecordRefund_RetainedFee(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store)

	_, err := svc.RecordRefund(ctx, "task_1", "poster", 9000, "platform", 1000, "re_1")
	require.NoError(t, err)

	rows, _ := store.ListByTask(ctx, "task_1")
	require.Len(t, rows, 2)

	var total int64
	for _, r := range rows {
		total += r.AmountCents
	}
	assert.Equal(t, int64(10000), total)

	_, err = svc.RecordRefund(ctx, "task_1", "poster", 9000, "platform", 1000, "re_2")
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestConcurrentDuplicateHolds_OneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordHold(ctx, "task_race", "poster", 5000, "hold_race")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateTransaction)
		}
	}
	assert.Equal(t, 1, succeeded)

	rows, _ := store.ListByTask(ctx, "task_race")
	assert.Len(t, rows, 1)
}

func TestSettlementState(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	state, err := svc.SettlementState(ctx, "task_1")
	require.NoError(t, err)
	assert.Nil(t, state.Hold)
	assert.Nil(t, state.Release)
	assert.Nil(t, state.Refund)

	_, err = svc.RecordHold(ctx, "task_1", "poster", 10000, "hold_1")
	require.NoError(t, err)

	state, err = svc.SettlementState(ctx, "task_1")
	require.NoError(t, err)
	require.NotNil(t, state.Hold)
	assert.Equal(t, "hold_1", state.Hold.ExternalReferenceID)
	assert.Nil(t, state.Release)
}

func TestHistory_CursorPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store)

	for i := 0; i < 5; i++ {
		_, err := svc.RecordHold(ctx, "task_"+string(rune('a'+i)), "poster", 1000, "hold")
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, "poster", 3, nil)
	require.NoError(t, err)
	require.Len(t, page, 3)

	last := page[len(page)-1]
	rest, err := svc.History(ctx, "poster", 3, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	// No overlap between pages.
	seen := map[string]bool{}
	for _, txn := range page {
		seen[txn.ID] = true
	}
	for _, txn := range rest {
		assert.False(t, seen[txn.ID], "transaction %s returned twice", txn.ID)
	}
}

func TestSumByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store)

	_, err := svc.RecordHold(ctx, "task_1", "poster", 10000, "hold_1")
	require.NoError(t, err)
	_, err = svc.RecordRelease(ctx, "task_1", "hunter", 9000, "platform", 1000, "tr_1", "ch_1")
	require.NoError(t, err)

	sums, err := store.SumByUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), sums["poster"])
	assert.Equal(t, int64(9000), sums["hunter"])
	assert.Equal(t, int64(1000), sums["platform"])
}
