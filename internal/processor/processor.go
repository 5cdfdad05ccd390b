// Package processor defines the boundary to the external payment processor.
//
// The processor holds the actual money: authorize reserves funds on the
// poster's payment method, capture converts a reservation into a charge,
// transfer pays a hunter's connected account, refund releases or reverses
// a reservation. Everything else in the engine treats this interface as
// the single source of external financial effects.
package processor

import (
	"context"
	"errors"
	"fmt"
)

// Operation names used for idempotency token derivation.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpTransfer  = "transfer"
	OpRefund    = "refund"
)

// Processor executes external payment operations. Every call takes a
// caller-supplied idempotency token so a repeated attempt after a crash is
// deduplicated by the processor itself.
type Processor interface {
	Authorize(ctx context.Context, amountCents int64, payerRef, idempotencyToken string) (holdRef string, err error)
	Capture(ctx context.Context, holdRef, idempotencyToken string) (captureRef string, err error)
	Transfer(ctx context.Context, payeeAccountRef string, amountCents int64, idempotencyToken string) (transferRef string, err error)
	Refund(ctx context.Context, holdRef string, amountCents int64, idempotencyToken string) (refundRef string, err error)
}

// PayoutAccounts is the identity/payout-account collaborator. Payable must
// report true for a hunter before a release is attempted; a non-payable
// account is a permanent failure until the hunter finishes account setup.
type PayoutAccounts interface {
	Payable(ctx context.Context, userID string) (ready bool, accountRef string, err error)
}

// IdempotencyToken derives the deterministic token for a task operation.
// The same (taskID, op) pair always yields the same token, so outbox
// replays after a crash hit the processor's dedup path.
func IdempotencyToken(taskID, op string) string {
	return fmt.Sprintf("huntboard:%s:%s", taskID, op)
}

// TransientError wraps a processor failure that is safe to retry
// (timeouts, rate limits, upstream unavailability).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("processor: %s failed (transient): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a processor failure that retrying cannot fix
// (declined card, restricted account, invalid request). The Reason is
// surfaced to the user as remediation guidance.
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("processor: %s failed (permanent): %s", e.Op, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable processor failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as a non-retryable processor failure.
func Permanent(op, reason string, err error) error {
	return &PermanentError{Op: op, Reason: reason, Err: err}
}

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable processor failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
