package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/huntboard/huntboard/internal/pagination"
)

// PostgresStore persists ledger rows in PostgreSQL. The partial unique
// index on (task_id, type) makes the one-guarded-row-per-task invariant a
// storage guarantee rather than an application check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, task_id, user_id, type, amount_cents, external_reference_id, created_at`

func (p *PostgresStore) Record(ctx context.Context, txn *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, task_id, user_id, type, amount_cents, external_reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, nullString(txn.TaskID), txn.UserID, string(txn.Type),
		txn.AmountCents, nullString(txn.ExternalReferenceID), txn.CreatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) RecordPair(ctx context.Context, first, second *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, txn := range []*Transaction{first, second} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, task_id, user_id, type, amount_cents, external_reference_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			txn.ID, nullString(txn.TaskID), txn.UserID, string(txn.Type),
			txn.AmountCents, nullString(txn.ExternalReferenceID), txn.CreatedAt,
		)
		if err != nil {
			return mapUniqueViolation(err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetByTaskAndType(ctx context.Context, taskID string, t Type) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM wallet_transactions
		WHERE task_id = $1 AND type = $2
		ORDER BY created_at ASC
		LIMIT 1`, taskID, string(t))

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (p *PostgresStore) ListByTask(ctx context.Context, taskID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM wallet_transactions
		WHERE task_id = $1
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM wallet_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM wallet_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) SumByUser(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, COALESCE(SUM(amount_cents), 0)
		FROM wallet_transactions
		GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[string]int64)
	for rows.Next() {
		var userID string
		var sum int64
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, err
		}
		sums[userID] = sum
	}
	return sums, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	txn := &Transaction{}
	var (
		taskID sql.NullString
		extRef sql.NullString
		typ    string
	)
	err := s.Scan(&txn.ID, &taskID, &txn.UserID, &typ, &txn.AmountCents, &extRef, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	txn.TaskID = taskID.String
	txn.ExternalReferenceID = extRef.String
	txn.Type = Type(typ)
	return txn, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

// mapUniqueViolation converts the (task_id, type) unique index violation
// into the package-level duplicate error.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateTransaction
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
