package task

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/huntboard/huntboard/internal/idgen"
	"github.com/huntboard/huntboard/internal/outbox"
)

// PostgresStore persists tasks in PostgreSQL. Status changes are single
// conditional UPDATEs so the compare-and-swap is a row-level guarantee,
// and TransitionWithEvent shares one transaction with the outbox insert.
type PostgresStore struct {
	db  *sql.DB
	box outbox.TxEnqueuer
}

// NewPostgresStore creates a PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB, box outbox.TxEnqueuer) *PostgresStore {
	return &PostgresStore{db: db, box: box}
}

const taskColumns = `id, poster_id, hunter_id, title, description, amount_cents, currency, status, escrow_reference_id, accepted_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("task_")
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, poster_id, title, description, amount_cents, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.PosterID, t.Title, nullString(t.Description),
		t.AmountCents, t.Currency, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (p *PostgresStore) Accept(ctx context.Context, id, hunterID string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $3, hunter_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND hunter_id IS NULL
		RETURNING `+taskColumns,
		id, hunterID, string(StatusPendingEscrow), string(StatusOpen))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.swapFailure(ctx, id, StatusOpen, StatusPendingEscrow)
	}
	return t, err
}

func (p *PostgresStore) StartWork(ctx context.Context, id, escrowRef string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $3, escrow_reference_id = $2, accepted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+taskColumns,
		id, escrowRef, string(StatusInProgress), string(StatusPendingEscrow))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.swapFailure(ctx, id, StatusPendingEscrow, StatusInProgress)
	}
	return t, err
}

func (p *PostgresStore) Reopen(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2, hunter_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+taskColumns,
		id, string(StatusOpen), string(StatusPendingEscrow))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.swapFailure(ctx, id, StatusPendingEscrow, StatusOpen)
	}
	return t, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+taskColumns,
		id, string(from), string(to))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.swapFailure(ctx, id, from, to)
	}
	return t, err
}

func (p *PostgresStore) TransitionWithEvent(ctx context.Context, id string, from, to Status, ev *outbox.Event) (*Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+taskColumns,
		id, string(from), string(to))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.swapFailure(ctx, id, from, to)
	}
	if err != nil {
		return nil, err
	}

	if err := p.box.EnqueueTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ListByPoster(ctx context.Context, posterID string, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE poster_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, posterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(StatusOpen), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// swapFailure builds the StateTransitionError for a CAS that matched no
// row, loading the actual status for the error message.
func (p *PostgresStore) swapFailure(ctx context.Context, id string, from, to Status) error {
	t, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return &StateTransitionError{TaskID: id, Current: t.Status, From: from, To: to}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*Task, error) {
	t := &Task{}
	var (
		hunterID    sql.NullString
		description sql.NullString
		escrowRef   sql.NullString
		acceptedAt  sql.NullTime
		status      string
	)
	err := s.Scan(&t.ID, &t.PosterID, &hunterID, &t.Title, &description,
		&t.AmountCents, &t.Currency, &status, &escrowRef, &acceptedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.HunterID = hunterID.String
	t.Description = description.String
	t.EscrowRef = escrowRef.String
	t.Status = Status(status)
	if acceptedAt.Valid {
		at := acceptedAt.Time
		t.AcceptedAt = &at
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
