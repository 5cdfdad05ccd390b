// Package settlement moves held money to its final owner. Releases pay
// the hunter (minus the platform fee) after a completed task; refunds
// return held funds to the poster after a cancellation, minus any
// retained fee. Both run as outbox events so a crash or processor outage
// delays settlement instead of losing it.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/circuitbreaker"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/wallet"
)

// Outbox event types owned by this package.
const (
	EventRelease = "settlement.release"
	EventRefund  = "settlement.refund"
)

var (
	ErrNoHold = errors.New("settlement: task has no escrow hold")
	// ErrAlreadyRefunded guards against releasing a task whose hold was
	// already refunded.
	ErrAlreadyRefunded = errors.New("settlement: task already refunded")
	// ErrAlreadyReleasedFunds guards against refunding a task whose hold
	// was already released.
	ErrAlreadyReleasedFunds = errors.New("settlement: task funds already released")
	// ErrCircuitOpen is reported (wrapped as transient) while the
	// processor breaker is open.
	ErrCircuitOpen = errors.New("settlement: payment processor circuit open")
)

// AlreadyReleasedError reports that a release was already recorded; it
// carries the prior release row so callers treat the repeat as success.
type AlreadyReleasedError struct {
	Release *ledger.Transaction
}

func (e *AlreadyReleasedError) Error() string {
	return fmt.Sprintf("settlement: task %s already released (%s)", e.Release.TaskID, e.Release.ID)
}

// ReleasePayload is the body of a settlement.release event.
type ReleasePayload struct {
	TaskID string `json:"taskId"`
}

// RefundPayload is the body of a settlement.refund event. Amounts are
// fixed at cancellation time so the retention policy is evaluated once.
type RefundPayload struct {
	TaskID           string `json:"taskId"`
	RefundCents      int64  `json:"refundCents"`
	RetainedFeeCents int64  `json:"retainedFeeCents"`
}

// ReleaseDedupKey is the outbox dedup key for a task's release.
func ReleaseDedupKey(taskID string) string { return "release:" + taskID }

// RefundDedupKey is the outbox dedup key for a task's refund.
func RefundDedupKey(taskID string) string { return "refund:" + taskID }

// NewReleaseEvent builds the outbox event for releasing a task's hold.
func NewReleaseEvent(taskID string) (*outbox.Event, error) {
	payload, err := outbox.Marshal(ReleasePayload{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return &outbox.Event{
		EventType: EventRelease,
		Payload:   payload,
		DedupKey:  ReleaseDedupKey(taskID),
	}, nil
}

// NewRefundEvent builds the outbox event for refunding a task's hold.
func NewRefundEvent(taskID string, refundCents, retainedFeeCents int64) (*outbox.Event, error) {
	payload, err := outbox.Marshal(RefundPayload{
		TaskID:           taskID,
		RefundCents:      refundCents,
		RetainedFeeCents: retainedFeeCents,
	})
	if err != nil {
		return nil, err
	}
	return &outbox.Event{
		EventType: EventRefund,
		Payload:   payload,
		DedupKey:  RefundDedupKey(taskID),
	}, nil
}

// TaskInfo is the slice of a task the settlement handlers need.
type TaskInfo struct {
	ID          string
	PosterID    string
	HunterID    string
	AmountCents int64
}

// Tasks is the task-store surface settlement depends on. MarkCompleted
// and MarkCancelled are compare-and-swap transitions; both must treat a
// task already in the target state as success so redelivered events stay
// idempotent.
type Tasks interface {
	Info(ctx context.Context, taskID string) (*TaskInfo, error)
	MarkCompleted(ctx context.Context, taskID string) error
	MarkCancelled(ctx context.Context, taskID string) error
}

// Notifier delivers fire-and-forget user notifications.
type Notifier interface {
	Notify(userID, event string, data map[string]any)
}

// Config tunes the settlement engine.
type Config struct {
	// FeeBps is the platform fee on releases, in basis points.
	FeeBps int64
	// PlatformAccountID is the user ID fee rows are credited to.
	PlatformAccountID string
}

// Engine enqueues and executes settlements.
type Engine struct {
	ledger   *ledger.Service
	wallet   Wallet
	proc     processor.Processor
	payouts  processor.PayoutAccounts
	tasks    Tasks
	box      outbox.Enqueuer
	breaker  *circuitbreaker.Breaker
	alerts   alerting.Sink
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// Wallet is the slice of the wallet service settlement needs.
type Wallet interface {
	Credit(ctx context.Context, userID string, amountCents int64) (*wallet.Balance, error)
}

// NewEngine creates a settlement engine.
func NewEngine(ledgerSvc *ledger.Service, walletSvc Wallet, proc processor.Processor,
	payouts processor.PayoutAccounts, tasks Tasks, box outbox.Enqueuer,
	breaker *circuitbreaker.Breaker, alerts alerting.Sink, notifier Notifier,
	cfg Config, logger *slog.Logger) *Engine {
	if cfg.FeeBps <= 0 {
		cfg.FeeBps = DefaultFeeBps
	}
	if cfg.PlatformAccountID == "" {
		cfg.PlatformAccountID = "platform"
	}
	return &Engine{
		ledger:   ledgerSvc,
		wallet:   walletSvc,
		proc:     proc,
		payouts:  payouts,
		tasks:    tasks,
		box:      box,
		breaker:  breaker,
		alerts:   alerts,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// Register binds the engine's handlers to an outbox worker.
func (e *Engine) Register(w *outbox.Worker) {
	w.Register(EventRelease, e.HandleRelease)
	w.Register(EventRefund, e.HandleRefund)
}

// EnqueueRelease queues the release of a task's hold. Idempotent: a task
// already released returns *AlreadyReleasedError with the prior row, and
// a release already queued returns nil.
func (e *Engine) EnqueueRelease(ctx context.Context, taskID string) error {
	state, err := e.ledger.SettlementState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.Release != nil {
		return &AlreadyReleasedError{Release: state.Release}
	}
	if state.Refund != nil {
		return ErrAlreadyRefunded
	}
	if state.Hold == nil {
		return ErrNoHold
	}

	ev, err := NewReleaseEvent(taskID)
	if err != nil {
		return err
	}
	if err := e.box.Enqueue(ctx, ev); err != nil {
		if errors.Is(err, outbox.ErrDuplicateEvent) {
			return nil
		}
		return err
	}
	e.logger.Info("release enqueued", "task", taskID, "event", ev.ID)
	return nil
}

func decodePayload[T any](ev *outbox.Event) (*T, error) {
	var p T
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("settlement: decode %s payload: %w", ev.EventType, err)
	}
	return &p, nil
}
