package escrow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntboard/huntboard/internal/circuitbreaker"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/wallet"
)

type fakeProcessor struct {
	authorizeErr   error
	authorizeCalls int
}

func (f *fakeProcessor) Authorize(ctx context.Context, amountCents int64, payerRef, idemToken string) (string, error) {
	f.authorizeCalls++
	if f.authorizeErr != nil {
		return "", f.authorizeErr
	}
	return "hold_" + idemToken, nil
}

func (f *fakeProcessor) Capture(ctx context.Context, holdRef, idemToken string) (string, error) {
	return "cap_" + holdRef, nil
}

func (f *fakeProcessor) Transfer(ctx context.Context, payeeAccountRef string, amountCents int64, idemToken string) (string, error) {
	return "tr_" + idemToken, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, holdRef string, amountCents int64, idemToken string) (string, error) {
	return "re_" + idemToken, nil
}

func newTestService(proc processor.Processor) (*Service, *wallet.Service, *ledger.Service) {
	walletSvc := wallet.New(wallet.NewMemoryStore())
	ledgerSvc := ledger.New(ledger.NewMemoryStore())
	breaker := circuitbreaker.New(3, time.Minute)
	svc := NewService(ledgerSvc, walletSvc, proc, breaker, slog.New(slog.DiscardHandler))
	return svc, walletSvc, ledgerSvc
}

func TestCreateHold_Success(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{}
	svc, walletSvc, _ := newTestService(proc)

	_, err := walletSvc.Credit(ctx, "poster", 20000)
	require.NoError(t, err)

	txn, err := svc.CreateHold(ctx, "task_1", "poster", 10000)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeEscrowHold, txn.Type)
	assert.Equal(t, int64(-10000), txn.AmountCents)
	assert.NotEmpty(t, txn.ExternalReferenceID)

	bal, err := walletSvc.Balance(ctx, "poster")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.BalanceCents)
}

func TestCreateHold_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{}
	svc, walletSvc, ledgerSvc := newTestService(proc)

	_, err := walletSvc.Credit(ctx, "poster", 5000)
	require.NoError(t, err)

	_, err = svc.CreateHold(ctx, "task_1", "poster", 10000)
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	// Nothing reached the processor or the ledger.
	assert.Equal(t, 0, proc.authorizeCalls)
	_, err = ledgerSvc.Hold(ctx, "task_1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestCreateHold_Idempotent(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{}
	svc, walletSvc, _ := newTestService(proc)

	_, err := walletSvc.Credit(ctx, "poster", 30000)
	require.NoError(t, err)

	first, err := svc.CreateHold(ctx, "task_1", "poster", 10000)
	require.NoError(t, err)

	_, err = svc.CreateHold(ctx, "task_1", "poster", 10000)
	var ahe *AlreadyHeldError
	require.True(t, errors.As(err, &ahe))
	assert.Equal(t, first.ExternalReferenceID, ahe.Hold.ExternalReferenceID)

	// The wallet was debited exactly once.
	bal, err := walletSvc.Balance(ctx, "poster")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), bal.BalanceCents)
	assert.Equal(t, 1, proc.authorizeCalls)
}

func TestCreateHold_AuthorizeFailureRollsBackDebit(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{
		authorizeErr: processor.Permanent(processor.OpAuthorize, "card declined", errors.New("declined")),
	}
	svc, walletSvc, ledgerSvc := newTestService(proc)

	_, err := walletSvc.Credit(ctx, "poster", 20000)
	require.NoError(t, err)

	_, err = svc.CreateHold(ctx, "task_1", "poster", 10000)
	require.Error(t, err)
	assert.True(t, processor.IsPermanent(err))

	// The debit was credited back and no hold was recorded.
	bal, err := walletSvc.Balance(ctx, "poster")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), bal.BalanceCents)
	_, err = ledgerSvc.Hold(ctx, "task_1")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestCreateHold_InvalidAmount(t *testing.T) {
	svc, _, _ := newTestService(&fakeProcessor{})
	_, err := svc.CreateHold(context.Background(), "task_1", "poster", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateHold_CircuitOpens(t *testing.T) {
	ctx := context.Background()
	proc := &fakeProcessor{
		authorizeErr: processor.Transient(processor.OpAuthorize, errors.New("timeout")),
	}
	svc, walletSvc, _ := newTestService(proc)

	_, err := walletSvc.Credit(ctx, "poster", 100000)
	require.NoError(t, err)

	// Three transient failures trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := svc.CreateHold(ctx, "task_"+string(rune('a'+i)), "poster", 1000)
		require.Error(t, err)
		assert.True(t, processor.IsTransient(err))
	}
	calls := proc.authorizeCalls

	// With the circuit open the processor is not called, and the error
	// stays transient so callers retry later.
	_, err = svc.CreateHold(ctx, "task_z", "poster", 1000)
	require.Error(t, err)
	assert.True(t, processor.IsTransient(err))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, proc.authorizeCalls)

	// Every failed attempt credited the debit back.
	bal, err := walletSvc.Balance(ctx, "poster")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), bal.BalanceCents)
}
