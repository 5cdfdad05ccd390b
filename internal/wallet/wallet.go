// Package wallet maintains the current spendable balance per user. Balances
// are a read model over the ledger: every credit and debit here corresponds
// to a ledger row, and reconciliation replays the ledger to verify them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
)

// InsufficientFundsError reports a debit that would take a balance below
// zero, carrying both sides for the error response.
type InsufficientFundsError struct {
	UserID       string
	BalanceCents int64
	NeededCents  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("wallet: insufficient funds for %s: have %d, need %d cents",
		e.UserID, e.BalanceCents, e.NeededCents)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Balance is the current spendable amount for one user.
type Balance struct {
	UserID       string    `json:"userId"`
	BalanceCents int64     `json:"balanceCents"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists balances. Debit must be atomic: the check that funds are
// sufficient and the subtraction happen as one operation, never as a
// read-then-write.
type Store interface {
	Get(ctx context.Context, userID string) (*Balance, error)
	// Credit adds amountCents to the user's balance, creating the row on
	// first use.
	Credit(ctx context.Context, userID string, amountCents int64) (*Balance, error)
	// Debit subtracts amountCents atomically. Returns
	// *InsufficientFundsError when the balance would go negative.
	Debit(ctx context.Context, userID string, amountCents int64) (*Balance, error)
	// All returns every stored balance, for reconciliation.
	All(ctx context.Context) ([]*Balance, error)
}

// Service wraps a Store with amount validation.
type Service struct {
	store Store
}

// New creates a wallet service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Balance returns the user's current balance. Users with no recorded
// activity have a zero balance.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	return s.store.Get(ctx, userID)
}

// Credit adds funds to a user's balance.
func (s *Service) Credit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Credit(ctx, userID, amountCents)
}

// Debit removes funds from a user's balance, failing if it would go
// negative.
func (s *Service) Debit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.store.Debit(ctx, userID, amountCents)
}

// All returns every balance, for reconciliation sweeps.
func (s *Service) All(ctx context.Context) ([]*Balance, error) {
	return s.store.All(ctx)
}
