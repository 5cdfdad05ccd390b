package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists balances in PostgreSQL. A CHECK constraint on
// balance_cents >= 0 backs the conditional debit, so even a buggy caller
// cannot drive a balance negative.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance_cents, updated_at FROM user_wallet_balances
		WHERE user_id = $1`, userID).Scan(&bal.BalanceCents, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO user_wallet_balances (user_id, balance_cents, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance_cents = user_wallet_balances.balance_cents + EXCLUDED.balance_cents,
		    updated_at = NOW()
		RETURNING balance_cents, updated_at`,
		userID, amountCents).Scan(&bal.BalanceCents, &bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amountCents int64) (*Balance, error) {
	bal := &Balance{UserID: userID}

	// Single conditional UPDATE: the sufficiency check and the subtraction
	// are one statement, so concurrent debits serialize on the row lock.
	err := p.db.QueryRowContext(ctx, `
		UPDATE user_wallet_balances
		SET balance_cents = balance_cents - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance_cents >= $2
		RETURNING balance_cents, updated_at`,
		userID, amountCents).Scan(&bal.BalanceCents, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Either no row or not enough funds. Read the balance for the error.
		current, getErr := p.Get(ctx, userID)
		var have int64
		if getErr == nil {
			have = current.BalanceCents
		}
		return nil, &InsufficientFundsError{
			UserID:       userID,
			BalanceCents: have,
			NeededCents:  amountCents,
		}
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) All(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance_cents, updated_at FROM user_wallet_balances
		ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.UserID, &bal.BalanceCents, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, bal)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
