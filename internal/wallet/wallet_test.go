package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditAndBalance(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	bal, err := svc.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.BalanceCents)

	bal, err = svc.Credit(ctx, "user_1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal.BalanceCents)

	bal, err = svc.Credit(ctx, "user_1", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), bal.BalanceCents)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	_, err := svc.Credit(ctx, "user_1", 1000)
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "user_1", 1500)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var ife *InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, int64(1000), ife.BalanceCents)
	assert.Equal(t, int64(1500), ife.NeededCents)

	// Balance unchanged after the failed debit.
	bal, err := svc.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.BalanceCents)
}

func TestDebit_UnknownUser(t *testing.T) {
	svc := New(NewMemoryStore())
	_, err := svc.Debit(context.Background(), "nobody", 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestInvalidAmounts(t *testing.T) {
	svc := New(NewMemoryStore())
	_, err := svc.Credit(context.Background(), "u", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(context.Background(), "u", -5)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentDebits_NeverNegative(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	_, err := svc.Credit(ctx, "user_1", 10000)
	require.NoError(t, err)

	// 20 concurrent debits of 1000 against a 10000 balance: exactly 10
	// can succeed.
	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Debit(ctx, "user_1", 1000)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 10, succeeded)

	bal, err := svc.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.BalanceCents)
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore())

	_, err := svc.Credit(ctx, "a", 100)
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "b", 200)
	require.NoError(t, err)

	balances, err := svc.All(ctx)
	require.NoError(t, err)
	assert.Len(t, balances, 2)
}
