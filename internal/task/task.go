// Package task owns the task lifecycle for the bounty board: posting,
// acceptance, completion, and cancellation. Every status change is a
// compare-and-swap against the expected current status, so two racing
// writers get exactly one winner and the loser a StateTransitionError.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huntboard/huntboard/internal/outbox"
)

var (
	ErrTaskNotFound = errors.New("task: not found")
	ErrNotPoster    = errors.New("task: caller is not the task poster")
)

// Status is a task's lifecycle state.
type Status string

const (
	// StatusOpen: posted, visible, no hunter yet.
	StatusOpen Status = "open"
	// StatusPendingEscrow: a hunter won the accept race; funds are being
	// held. Short-lived.
	StatusPendingEscrow Status = "pending_escrow"
	// StatusInProgress: escrow hold placed, hunter is working.
	StatusInProgress Status = "in_progress"
	// StatusCancellationRequested: cancel accepted, refund queued.
	StatusCancellationRequested Status = "cancellation_requested"
	// StatusCompleted: funds released. Terminal.
	StatusCompleted Status = "completed"
	// StatusCancelled: funds refunded (or never held). Terminal.
	StatusCancelled Status = "cancelled"
)

// validTransitions is the full state machine. pending_escrow→open is the
// revert path when the hold fails.
var validTransitions = map[Status][]Status{
	StatusOpen:                  {StatusPendingEscrow, StatusCancelled},
	StatusPendingEscrow:         {StatusInProgress, StatusOpen, StatusCancellationRequested},
	StatusInProgress:            {StatusCompleted, StatusCancellationRequested},
	StatusCancellationRequested: {StatusCancelled},
}

// CanTransition reports whether from→to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further changes.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StateTransitionError reports a compare-and-swap that found the task in
// a different status than required.
type StateTransitionError struct {
	TaskID  string
	Current Status
	From    Status
	To      Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move %s→%s (current status %s)",
		e.TaskID, e.From, e.To, e.Current)
}

// ValidationError reports rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task: invalid %s: %s", e.Field, e.Reason)
}

// Task is one posted bounty.
type Task struct {
	ID          string     `json:"id"`
	PosterID    string     `json:"posterId"`
	HunterID    string     `json:"hunterId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AmountCents int64      `json:"amountCents"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	EscrowRef   string     `json:"escrowRef,omitempty"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists tasks. All status changes are compare-and-swap: the
// update applies only if the task is still in the expected status, and a
// mismatch returns *StateTransitionError with the actual status.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Accept claims an open task for a hunter (open→pending_escrow and
	// hunter assignment in one CAS).
	Accept(ctx context.Context, id, hunterID string) (*Task, error)
	// StartWork records the placed hold (pending_escrow→in_progress,
	// escrow ref and accepted-at set).
	StartWork(ctx context.Context, id, escrowRef string) (*Task, error)
	// Reopen reverts a failed escrow attempt (pending_escrow→open,
	// hunter cleared).
	Reopen(ctx context.Context, id string) (*Task, error)
	// Transition performs a plain CAS status change.
	Transition(ctx context.Context, id string, from, to Status) (*Task, error)
	// TransitionWithEvent performs the CAS and enqueues ev in the same
	// unit of work: both happen or neither does.
	TransitionWithEvent(ctx context.Context, id string, from, to Status, ev *outbox.Event) (*Task, error)
	// ListByPoster returns a poster's tasks, newest first.
	ListByPoster(ctx context.Context, posterID string, limit int) ([]*Task, error)
	// ListOpen returns open tasks, newest first.
	ListOpen(ctx context.Context, limit int) ([]*Task, error)
}
