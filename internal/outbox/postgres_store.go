package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/huntboard/huntboard/internal/idgen"
)

// PostgresStore persists outbox events in PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple workers can drain the table without
// double delivery; the partial unique index on dedup_key keeps a second
// enqueue of the same logical event out while the first is live.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, event_type, payload, status, retry_count, next_retry_at, last_error, dedup_key, created_at, processed_at`

func prepare(ev *Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Status = StatusPending
	if ev.NextRetryAt.IsZero() {
		ev.NextRetryAt = ev.CreatedAt
	}
}

func (p *PostgresStore) Enqueue(ctx context.Context, ev *Event) error {
	prepare(ev)
	_, err := p.db.ExecContext(ctx, insertEventSQL,
		ev.ID, ev.EventType, []byte(ev.Payload), string(ev.Status),
		ev.RetryCount, ev.NextRetryAt, nullString(ev.DedupKey), ev.CreatedAt)
	return mapDedupViolation(err)
}

// EnqueueTx enqueues inside the caller's transaction: the event becomes
// durable if and only if the caller's writes commit.
func (p *PostgresStore) EnqueueTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	prepare(ev)
	_, err := tx.ExecContext(ctx, insertEventSQL,
		ev.ID, ev.EventType, []byte(ev.Payload), string(ev.Status),
		ev.RetryCount, ev.NextRetryAt, nullString(ev.DedupKey), ev.CreatedAt)
	return mapDedupViolation(err)
}

const insertEventSQL = `
	INSERT INTO outbox_events (id, event_type, payload, status, retry_count, next_retry_at, last_error, dedup_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)`

func (p *PostgresStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	return p.exec(ctx, `
		UPDATE outbox_events
		SET status = 'completed', processed_at = NOW()
		WHERE id = $1`, id)
}

func (p *PostgresStore) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	return p.exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = retry_count + 1,
		    next_retry_at = $2, last_error = $3
		WHERE id = $1`, id, nextRetryAt, lastError)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	return p.exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`, id, lastError)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) Retry(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return mapDedupViolation(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from wrong status for the admin response.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotFailed
	}
	return nil
}

func (p *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'completed' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', next_retry_at = NOW(), claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*Event, error) {
	ev := &Event{}
	var (
		status    string
		lastError sql.NullString
		dedupKey  sql.NullString
		processed sql.NullTime
		payload   []byte
	)
	err := s.Scan(&ev.ID, &ev.EventType, &payload, &status, &ev.RetryCount,
		&ev.NextRetryAt, &lastError, &dedupKey, &ev.CreatedAt, &processed)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.Status = Status(status)
	ev.LastError = lastError.String
	ev.DedupKey = dedupKey.String
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func mapDedupViolation(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertions.
var (
	_ Store      = (*PostgresStore)(nil)
	_ TxEnqueuer = (*PostgresStore)(nil)
)
