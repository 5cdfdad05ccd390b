package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/retry"
	"github.com/huntboard/huntboard/internal/traces"
)

// breakerKey groups all processor calls under one circuit.
const breakerKey = "processor"

// HandleRelease settles a completed task: capture the hold, transfer the
// hunter's share, record the release and fee rows, credit wallets, and
// complete the task.
//
// The handler is idempotent through three layers: the ledger re-check up
// front, the storage guard on the release row, and the processor's
// idempotency tokens. A redelivery after any crash point converges on the
// same final state.
func (e *Engine) HandleRelease(ctx context.Context, ev *outbox.Event) error {
	p, err := decodePayload[ReleasePayload](ev)
	if err != nil {
		return retry.Permanent(err)
	}
	taskID := p.TaskID
	ctx, span := traces.StartSpan(ctx, "settlement.release", traces.TaskID(taskID), traces.EventID(ev.ID))
	defer span.End()

	state, err := e.ledger.SettlementState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.Release != nil {
		// Settled by an earlier delivery; finish the non-financial tail.
		e.finishRelease(ctx, taskID)
		return nil
	}
	if state.Refund != nil {
		return retry.Permanent(ErrAlreadyRefunded)
	}
	if state.Hold == nil {
		return retry.Permanent(ErrNoHold)
	}

	info, err := e.tasks.Info(ctx, taskID)
	if err != nil {
		return err
	}
	hunterCents, feeCents := ComputeSplit(info.AmountCents, e.cfg.FeeBps)

	ready, accountRef, err := e.payouts.Payable(ctx, info.HunterID)
	if err != nil {
		return err
	}
	if !ready {
		return retry.Permanent(fmt.Errorf("settlement: hunter %s payout account not ready", info.HunterID))
	}

	holdRef := state.Hold.ExternalReferenceID
	captureRef, err := e.call(ctx, processor.OpCapture, func() (string, error) {
		return e.proc.Capture(ctx, holdRef, processor.IdempotencyToken(taskID, processor.OpCapture))
	})
	if err != nil {
		if processor.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}

	transferRef, err := e.call(ctx, processor.OpTransfer, func() (string, error) {
		return e.proc.Transfer(ctx, accountRef, hunterCents, processor.IdempotencyToken(taskID, processor.OpTransfer))
	})
	if err != nil {
		if processor.IsPermanent(err) {
			// The capture already moved money off the poster's card. This
			// must never be silently dropped.
			e.alerts.Notify(ctx, alerting.Alert{
				Severity: alerting.SeverityCritical,
				Code:     "transfer_failed_after_capture",
				Message:  "Funds captured but transfer to hunter failed permanently",
				Fields: map[string]string{
					"taskId":     taskID,
					"hunterId":   info.HunterID,
					"captureRef": captureRef,
					"error":      err.Error(),
				},
				At: time.Now(),
			})
			return retry.Permanent(err)
		}
		return err
	}

	if _, err := e.ledger.RecordRelease(ctx, taskID, info.HunterID, hunterCents,
		e.cfg.PlatformAccountID, feeCents, transferRef, captureRef); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return err
		}
		// A concurrent delivery won the write; fall through to the tail.
	}

	e.creditWallet(ctx, info.HunterID, hunterCents)
	e.creditWallet(ctx, e.cfg.PlatformAccountID, feeCents)
	e.finishRelease(ctx, taskID)

	releasesTotal.Inc()
	settledAmount.WithLabelValues("release").Add(float64(hunterCents) / 100)
	e.logger.Info("release settled",
		"task", taskID, "hunter", info.HunterID,
		"hunterCents", hunterCents, "feeCents", feeCents, "transferRef", transferRef)

	if e.notifier != nil {
		e.notifier.Notify(info.HunterID, "release.completed", map[string]any{
			"taskId":      taskID,
			"amountCents": hunterCents,
		})
		e.notifier.Notify(info.PosterID, "task.completed", map[string]any{
			"taskId": taskID,
		})
	}
	return nil
}

// HandleRefund returns a cancelled task's hold to the poster, minus any
// retained fee fixed at cancellation time.
func (e *Engine) HandleRefund(ctx context.Context, ev *outbox.Event) error {
	p, err := decodePayload[RefundPayload](ev)
	if err != nil {
		return retry.Permanent(err)
	}
	taskID := p.TaskID
	ctx, span := traces.StartSpan(ctx, "settlement.refund", traces.TaskID(taskID), traces.EventID(ev.ID))
	defer span.End()

	state, err := e.ledger.SettlementState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.Refund != nil {
		e.finishRefund(ctx, taskID)
		return nil
	}
	if state.Release != nil {
		return retry.Permanent(ErrAlreadyReleasedFunds)
	}
	if state.Hold == nil {
		// Cancellation from pending_escrow can race the hold placement:
		// the authorization may still be in flight when the refund event
		// lands. Retry on the backoff schedule; a hold that appears is
		// refunded on redelivery, one that never does exhausts to failed.
		return fmt.Errorf("settlement: refund for task %s: %w", taskID, ErrNoHold)
	}

	info, err := e.tasks.Info(ctx, taskID)
	if err != nil {
		return err
	}

	holdRef := state.Hold.ExternalReferenceID
	refundRef, err := e.call(ctx, processor.OpRefund, func() (string, error) {
		return e.proc.Refund(ctx, holdRef, p.RefundCents, processor.IdempotencyToken(taskID, processor.OpRefund))
	})
	if err != nil {
		if processor.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	}

	if _, err := e.ledger.RecordRefund(ctx, taskID, info.PosterID, p.RefundCents,
		e.cfg.PlatformAccountID, p.RetainedFeeCents, refundRef); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return err
		}
	}

	e.creditWallet(ctx, info.PosterID, p.RefundCents)
	if p.RetainedFeeCents > 0 {
		e.creditWallet(ctx, e.cfg.PlatformAccountID, p.RetainedFeeCents)
	}
	e.finishRefund(ctx, taskID)

	refundsTotal.Inc()
	settledAmount.WithLabelValues("refund").Add(float64(p.RefundCents) / 100)
	e.logger.Info("refund settled",
		"task", taskID, "poster", info.PosterID,
		"refundCents", p.RefundCents, "retainedFeeCents", p.RetainedFeeCents, "refundRef", refundRef)

	if e.notifier != nil {
		e.notifier.Notify(info.PosterID, "refund.completed", map[string]any{
			"taskId":      taskID,
			"amountCents": p.RefundCents,
		})
	}
	return nil
}

// call runs one processor operation behind the circuit breaker.
func (e *Engine) call(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	if !e.breaker.Allow(breakerKey) {
		return "", processor.Transient(op, ErrCircuitOpen)
	}
	start := time.Now()
	ref, err := fn()
	processorDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if processor.IsTransient(err) {
			e.breaker.RecordFailure(breakerKey)
		}
		return "", err
	}
	e.breaker.RecordSuccess(breakerKey)
	return ref, nil
}

func (e *Engine) creditWallet(ctx context.Context, userID string, amountCents int64) {
	if amountCents <= 0 {
		return
	}
	if _, err := e.wallet.Credit(ctx, userID, amountCents); err != nil {
		// Ledger row exists; reconciliation repairs the balance.
		e.logger.Error("wallet credit during settlement failed",
			"user", userID, "amountCents", amountCents, "error", err)
	}
}

func (e *Engine) finishRelease(ctx context.Context, taskID string) {
	if err := e.tasks.MarkCompleted(ctx, taskID); err != nil {
		e.logger.Error("mark completed after release failed", "task", taskID, "error", err)
	}
}

func (e *Engine) finishRefund(ctx context.Context, taskID string) {
	if err := e.tasks.MarkCancelled(ctx, taskID); err != nil {
		e.logger.Error("mark cancelled after refund failed", "task", taskID, "error", err)
	}
}
