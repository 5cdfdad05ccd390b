// Package outbox implements durable, retried delivery of side effects.
// Callers enqueue an event in the same database transaction as the state
// change that requires it; a worker claims pending events and runs the
// registered handler, retrying transient failures on an exponential
// schedule and parking exhausted events as failed for an operator.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEventNotFound  = errors.New("outbox: event not found")
	ErrDuplicateEvent = errors.New("outbox: event with this dedup key already enqueued")
	ErrNotFailed      = errors.New("outbox: event is not in failed status")
	ErrNoHandler      = errors.New("outbox: no handler registered for event type")
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is one durable unit of deferred work.
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	LastError   string          `json:"lastError,omitempty"`
	DedupKey    string          `json:"dedupKey,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Handler processes one event. It must be idempotent: after a crash
// between handler success and the completed mark, the event is delivered
// again.
type Handler func(ctx context.Context, ev *Event) error

// Enqueuer is the minimal surface needed by callers that only add events.
type Enqueuer interface {
	// Enqueue adds a pending event. A non-empty DedupKey that collides
	// with a live (pending or processing) event returns
	// ErrDuplicateEvent; handlers stay idempotent against re-enqueues of
	// already-settled intents.
	Enqueue(ctx context.Context, ev *Event) error
}

// Store persists events and mediates the claim/ack cycle.
type Store interface {
	Enqueuer

	// Claim atomically moves up to limit due pending events to
	// processing and returns them. Two concurrent workers never claim
	// the same event.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Event, error)
	// MarkCompleted finalizes a delivered event.
	MarkCompleted(ctx context.Context, id string) error
	// MarkRetry returns a processing event to pending with the next
	// attempt time and the error that caused the retry.
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error
	// MarkFailed parks an event as failed after its retry budget is
	// exhausted.
	MarkFailed(ctx context.Context, id string, lastError string) error

	Get(ctx context.Context, id string) (*Event, error)
	// ListByStatus returns events in a status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
	// Retry resets a failed event to pending with a fresh retry budget.
	// Returns ErrNotFailed unless the event is failed.
	Retry(ctx context.Context, id string) error
	// DeleteCompletedBefore removes completed events processed before the
	// cutoff, returning how many were removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// RequeueStuck returns events stuck in processing longer than the
	// cutoff (a worker crashed mid-flight) to pending.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxEnqueuer is implemented by stores that can enqueue inside a caller's
// database transaction, making the event durable if and only if the
// caller's own writes commit.
type TxEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, ev *Event) error
}

// Marshal encodes a payload struct for an event.
func Marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
