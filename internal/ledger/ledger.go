// Package ledger is the append-only record of every balance-affecting
// transaction. Rows are created once per financial event and never change;
// balances and audits are derived from it, never the other way around.
//
// The uniqueness constraint on (taskID, type) for escrow_hold, release and
// refund rows is the structural guarantee that a task can never be held,
// released or refunded twice.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/huntboard/huntboard/internal/idgen"
	"github.com/huntboard/huntboard/internal/pagination"
)

var (
	ErrTransactionNotFound  = errors.New("ledger: transaction not found")
	ErrDuplicateTransaction = errors.New("ledger: transaction already recorded for this task")
	ErrInvalidAmount        = errors.New("ledger: invalid amount")
)

// Type classifies a wallet transaction.
type Type string

const (
	TypeDeposit     Type = "deposit"
	TypeWithdrawal  Type = "withdrawal"
	TypeEscrowHold  Type = "escrow_hold"
	TypeRelease     Type = "release"
	TypeRefund      Type = "refund"
	TypePlatformFee Type = "platform_fee"
)

// guarded reports whether at most one row of this type may exist per task.
func guarded(t Type) bool {
	switch t {
	case TypeEscrowHold, TypeRelease, TypeRefund:
		return true
	}
	return false
}

// Transaction is one immutable ledger row. AmountCents is signed: negative
// for money leaving the user's wallet, positive for money entering it.
type Transaction struct {
	ID                  string    `json:"id"`
	TaskID              string    `json:"taskId,omitempty"`
	UserID              string    `json:"userId"`
	Type                Type      `json:"type"`
	AmountCents         int64     `json:"amountCents"`
	ExternalReferenceID string    `json:"externalReferenceId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Store persists ledger rows. Implementations must enforce the
// one-guarded-row-per-task invariant at the storage layer.
type Store interface {
	// Record appends one row. Returns ErrDuplicateTransaction when a
	// guarded row for (TaskID, Type) already exists.
	Record(ctx context.Context, txn *Transaction) error
	// RecordPair appends two rows in one unit of work: both or neither.
	RecordPair(ctx context.Context, first, second *Transaction) error
	GetByTaskAndType(ctx context.Context, taskID string, t Type) (*Transaction, error)
	ListByTask(ctx context.Context, taskID string) ([]*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
	// SumByUser returns the net amount per user across all rows, for
	// reconciliation against stored wallet balances.
	SumByUser(ctx context.Context) (map[string]int64, error)
}

// TaskSettlementState summarizes the guarded rows recorded for a task.
type TaskSettlementState struct {
	Hold    *Transaction
	Release *Transaction
	Refund  *Transaction
}

// Service provides semantic recording operations over a Store.
type Service struct {
	store Store
}

// New creates a ledger service.
func New(store Store) *Service {
	return &Service{store: store}
}

// RecordHold records the escrow hold for a task: amount leaves the
// poster's wallet.
func (s *Service) RecordHold(ctx context.Context, taskID, posterID string, amountCents int64, holdRef string) (*Transaction, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	txn := &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TaskID:              taskID,
		UserID:              posterID,
		Type:                TypeEscrowHold,
		AmountCents:         -amountCents,
		ExternalReferenceID: holdRef,
		CreatedAt:           time.Now(),
	}
	if err := s.store.Record(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// RecordRelease records the settlement of a completed task: the release
// row for the hunter and the platform fee row, together or not at all.
func (s *Service) RecordRelease(ctx context.Context, taskID, hunterID string, hunterAmountCents int64, platformAccountID string, feeCents int64, transferRef, captureRef string) (*Transaction, error) {
	if hunterAmountCents <= 0 || feeCents < 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	release := &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TaskID:              taskID,
		UserID:              hunterID,
		Type:                TypeRelease,
		AmountCents:         hunterAmountCents,
		ExternalReferenceID: transferRef,
		CreatedAt:           now,
	}
	fee := &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TaskID:              taskID,
		UserID:              platformAccountID,
		Type:                TypePlatformFee,
		AmountCents:         feeCents,
		ExternalReferenceID: captureRef,
		CreatedAt:           now,
	}
	if err := s.store.RecordPair(ctx, release, fee); err != nil {
		return nil, err
	}
	return release, nil
}

// RecordRefund records the refund of a cancelled task. A non-zero retained
// fee is recorded alongside as a platform_fee row in the same unit of work.
func (s *Service) RecordRefund(ctx context.Context, taskID, posterID string, refundCents int64, platformAccountID string, retainedFeeCents int64, refundRef string) (*Transaction, error) {
	if refundCents <= 0 || retainedFeeCents < 0 {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	refund := &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TaskID:              taskID,
		UserID:              posterID,
		Type:                TypeRefund,
		AmountCents:         refundCents,
		ExternalReferenceID: refundRef,
		CreatedAt:           now,
	}
	if retainedFeeCents == 0 {
		if err := s.store.Record(ctx, refund); err != nil {
			return nil, err
		}
		return refund, nil
	}
	fee := &Transaction{
		ID:                  idgen.WithPrefix("txn_"),
		TaskID:              taskID,
		UserID:              platformAccountID,
		Type:                TypePlatformFee,
		AmountCents:         retainedFeeCents,
		ExternalReferenceID: refundRef,
		CreatedAt:           now,
	}
	if err := s.store.RecordPair(ctx, refund, fee); err != nil {
		return nil, err
	}
	return refund, nil
}

// SettlementState returns the hold/release/refund rows for a task, each
// nil when not yet recorded.
func (s *Service) SettlementState(ctx context.Context, taskID string) (*TaskSettlementState, error) {
	state := &TaskSettlementState{}
	for _, probe := range []struct {
		t    Type
		dest **Transaction
	}{
		{TypeEscrowHold, &state.Hold},
		{TypeRelease, &state.Release},
		{TypeRefund, &state.Refund},
	} {
		txn, err := s.store.GetByTaskAndType(ctx, taskID, probe.t)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				continue
			}
			return nil, err
		}
		*probe.dest = txn
	}
	return state, nil
}

// Hold returns the escrow hold row for a task, if one exists.
func (s *Service) Hold(ctx context.Context, taskID string) (*Transaction, error) {
	return s.store.GetByTaskAndType(ctx, taskID, TypeEscrowHold)
}

// TaskHistory returns every ledger row recorded for a task.
func (s *Service) TaskHistory(ctx context.Context, taskID string) ([]*Transaction, error) {
	return s.store.ListByTask(ctx, taskID)
}

// History returns a user's ledger rows, newest first, cursor-paginated.
func (s *Service) History(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit, cursor)
}
