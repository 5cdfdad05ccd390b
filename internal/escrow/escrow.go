// Package escrow places and tracks holds on poster funds. A hold is the
// authorization step of the payment: money is reserved with the payment
// processor and debited from the poster's wallet before a hunter is
// allowed to start work, so settlement can never fail for lack of funds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/huntboard/huntboard/internal/circuitbreaker"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/syncutil"
	"github.com/huntboard/huntboard/internal/traces"
	"github.com/huntboard/huntboard/internal/wallet"
)

var (
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrCircuitOpen is returned (wrapped as transient) while the
	// processor breaker is open.
	ErrCircuitOpen = errors.New("escrow: payment processor circuit open")
)

// AlreadyHeldError reports that the task already has an escrow hold. It
// carries the prior hold so callers can treat the duplicate as success.
type AlreadyHeldError struct {
	Hold *ledger.Transaction
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("escrow: task %s already has hold %s", e.Hold.TaskID, e.Hold.ExternalReferenceID)
}

// breakerKey groups all processor calls under one circuit.
const breakerKey = "processor"

// Wallet is the slice of the wallet service escrow needs.
type Wallet interface {
	Debit(ctx context.Context, userID string, amountCents int64) (*wallet.Balance, error)
	Credit(ctx context.Context, userID string, amountCents int64) (*wallet.Balance, error)
}

// Service implements hold placement.
type Service struct {
	ledger  *ledger.Service
	wallet  Wallet
	proc    processor.Processor
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	locks   *syncutil.ContextShardedMutex // per-task serialization
}

// NewService creates an escrow service.
func NewService(ledgerSvc *ledger.Service, wallet Wallet, proc processor.Processor, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Service {
	return &Service{
		ledger:  ledgerSvc,
		wallet:  wallet,
		proc:    proc,
		breaker: breaker,
		logger:  logger,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// CreateHold reserves amountCents of the poster's funds for a task. The
// call is idempotent: a repeat for a task that is already held returns
// *AlreadyHeldError carrying the original hold.
//
// Order of operations: wallet debit first (cheap, local, fails fast on
// insufficient funds), then the processor authorization, then the ledger
// row. Failures after the debit credit the wallet back.
func (s *Service) CreateHold(ctx context.Context, taskID, posterID string, amountCents int64) (*ledger.Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "escrow.hold",
		traces.TaskID(taskID), traces.UserID(posterID), traces.AmountCents(amountCents))
	defer span.End()

	// Concurrent holds for the same task serialize in-process; the
	// ledger's storage guard remains the cross-process backstop.
	unlock, err := s.locks.LockContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.ledger.Hold(ctx, taskID); err == nil {
		return nil, &AlreadyHeldError{Hold: existing}
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, err
	}

	if _, err := s.wallet.Debit(ctx, posterID, amountCents); err != nil {
		return nil, err
	}

	holdRef, err := s.authorize(ctx, taskID, posterID, amountCents)
	if err != nil {
		s.refundWallet(ctx, posterID, amountCents)
		return nil, err
	}

	txn, err := s.ledger.RecordHold(ctx, taskID, posterID, amountCents, holdRef)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			// Another instance won the race. The idempotency token means
			// our authorization is the same processor-side hold; undo the
			// local debit and report the winner's hold.
			s.refundWallet(ctx, posterID, amountCents)
			if existing, getErr := s.ledger.Hold(ctx, taskID); getErr == nil {
				return nil, &AlreadyHeldError{Hold: existing}
			}
		}
		return nil, err
	}

	holdsTotal.Inc()
	holdAmount.Observe(float64(amountCents) / 100)
	s.logger.Info("escrow hold placed",
		"task", taskID, "poster", posterID, "amountCents", amountCents, "holdRef", holdRef)
	return txn, nil
}

// Hold returns the hold for a task, or ledger.ErrTransactionNotFound.
func (s *Service) Hold(ctx context.Context, taskID string) (*ledger.Transaction, error) {
	return s.ledger.Hold(ctx, taskID)
}

// authorize calls the processor behind the circuit breaker. While the
// circuit is open the call is skipped and reported as transient so
// retries resume once the processor recovers.
func (s *Service) authorize(ctx context.Context, taskID, posterID string, amountCents int64) (string, error) {
	if !s.breaker.Allow(breakerKey) {
		return "", processor.Transient(processor.OpAuthorize, ErrCircuitOpen)
	}

	token := processor.IdempotencyToken(taskID, processor.OpAuthorize)
	holdRef, err := s.proc.Authorize(ctx, amountCents, posterID, token)
	if err != nil {
		if processor.IsTransient(err) {
			s.breaker.RecordFailure(breakerKey)
		}
		return "", err
	}
	s.breaker.RecordSuccess(breakerKey)
	return holdRef, nil
}

func (s *Service) refundWallet(ctx context.Context, posterID string, amountCents int64) {
	if _, err := s.wallet.Credit(ctx, posterID, amountCents); err != nil {
		// Reconciliation catches the drift between ledger and balances.
		s.logger.Error("wallet credit-back after failed hold failed",
			"poster", posterID, "amountCents", amountCents, "error", err)
	}
}
