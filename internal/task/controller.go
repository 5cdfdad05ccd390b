package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/huntboard/huntboard/internal/escrow"
	"github.com/huntboard/huntboard/internal/settlement"
)

// supportedCurrencies is the whitelist for new tasks.
var supportedCurrencies = map[string]bool{
	"usd": true,
	"eur": true,
	"gbp": true,
}

// Controller drives the task lifecycle, coordinating the escrow service
// and the settlement engine around the task store's CAS transitions.
type Controller struct {
	store  Store
	escrow *escrow.Service
	settle *settlement.Engine
	logger *slog.Logger
}

// NewController creates a task controller.
func NewController(store Store, escrowSvc *escrow.Service, settle *settlement.Engine, logger *slog.Logger) *Controller {
	return &Controller{
		store:  store,
		escrow: escrowSvc,
		settle: settle,
		logger: logger,
	}
}

// CreateParams are the inputs for posting a task.
type CreateParams struct {
	PosterID    string
	Title       string
	Description string
	AmountCents int64
	Currency    string
}

// Create posts a new open task.
func (c *Controller) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.PosterID == "" {
		return nil, &ValidationError{Field: "posterId", Reason: "required"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}
	if p.AmountCents <= 0 {
		return nil, &ValidationError{Field: "amountCents", Reason: "must be positive"}
	}
	currency := strings.ToLower(p.Currency)
	if currency == "" {
		currency = "usd"
	}
	if !supportedCurrencies[currency] {
		return nil, &ValidationError{Field: "currency", Reason: "unsupported currency " + p.Currency}
	}

	t := &Task{
		PosterID:    p.PosterID,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		AmountCents: p.AmountCents,
		Currency:    currency,
		Status:      StatusOpen,
	}
	if err := c.store.Create(ctx, t); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues("created").Inc()
	c.logger.Info("task posted", "task", t.ID, "poster", p.PosterID, "amountCents", p.AmountCents)
	return t, nil
}

// Get returns a task by ID.
func (c *Controller) Get(ctx context.Context, id string) (*Task, error) {
	return c.store.Get(ctx, id)
}

// Accept claims an open task for a hunter and places the escrow hold.
// Exactly one of any number of concurrent accepts wins the CAS; losers
// receive *StateTransitionError. If the hold cannot be placed the task
// reverts to open so another hunter (or a retry) can claim it.
func (c *Controller) Accept(ctx context.Context, taskID, hunterID string) (*Task, error) {
	if hunterID == "" {
		return nil, &ValidationError{Field: "hunterId", Reason: "required"}
	}

	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID == hunterID {
		return nil, &ValidationError{Field: "hunterId", Reason: "poster cannot accept their own task"}
	}

	t, err = c.store.Accept(ctx, taskID, hunterID)
	if err != nil {
		return nil, err
	}

	hold, err := c.escrow.CreateHold(ctx, taskID, t.PosterID, t.AmountCents)
	if err != nil {
		var ahe *escrow.AlreadyHeldError
		if errors.As(err, &ahe) {
			// A previous accept attempt placed the hold but crashed
			// before recording progress; resume from it.
			hold = ahe.Hold
		} else {
			c.revertAccept(ctx, taskID, err)
			return nil, err
		}
	}

	t, err = c.store.StartWork(ctx, taskID, hold.ExternalReferenceID)
	if err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues("accepted").Inc()
	c.logger.Info("task accepted", "task", taskID, "hunter", hunterID, "holdRef", hold.ExternalReferenceID)
	return t, nil
}

func (c *Controller) revertAccept(ctx context.Context, taskID string, cause error) {
	if _, err := c.store.Reopen(ctx, taskID); err != nil {
		c.logger.Error("reopen after failed hold failed", "task", taskID, "error", err)
		return
	}
	c.logger.Warn("task reverted to open after hold failure", "task", taskID, "cause", cause)
}

// Complete asks for the task's funds to be released to the hunter. Only
// the poster may complete. The release itself runs asynchronously; the
// returned task still shows in_progress until settlement finishes.
// Repeat completes are idempotent.
func (c *Controller) Complete(ctx context.Context, taskID, callerID string) (*Task, error) {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != callerID {
		return nil, ErrNotPoster
	}

	switch t.Status {
	case StatusInProgress:
		// Release goes through the outbox below.
	case StatusCompleted:
		return t, nil
	default:
		return nil, &StateTransitionError{TaskID: taskID, Current: t.Status, From: StatusInProgress, To: StatusCompleted}
	}

	if err := c.settle.EnqueueRelease(ctx, taskID); err != nil {
		var are *settlement.AlreadyReleasedError
		if errors.As(err, &are) {
			return t, nil
		}
		return nil, err
	}
	transitionsTotal.WithLabelValues("complete_requested").Inc()
	return t, nil
}

// Cancel withdraws a task. Open tasks cancel immediately; held tasks move
// to cancellation_requested with the refund queued in the same unit of
// work, and become cancelled when the refund settles. The retention fee
// is fixed here, at the moment of cancellation.
func (c *Controller) Cancel(ctx context.Context, taskID, callerID string) (*Task, error) {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != callerID {
		return nil, ErrNotPoster
	}

	switch t.Status {
	case StatusOpen:
		t, err = c.store.Transition(ctx, taskID, StatusOpen, StatusCancelled)
		if err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues("cancelled").Inc()
		c.logger.Info("open task cancelled", "task", taskID)
		return t, nil

	case StatusPendingEscrow, StatusInProgress:
		retainedBps := RetentionBps(t, time.Now())
		retained := settlement.RetainedFee(t.AmountCents, retainedBps)
		refund := t.AmountCents - retained

		ev, err := settlement.NewRefundEvent(taskID, refund, retained)
		if err != nil {
			return nil, err
		}
		t, err = c.store.TransitionWithEvent(ctx, taskID, t.Status, StatusCancellationRequested, ev)
		if err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues("cancel_requested").Inc()
		c.logger.Info("cancellation requested",
			"task", taskID, "refundCents", refund, "retainedFeeCents", retained)
		return t, nil

	case StatusCancellationRequested, StatusCancelled:
		// Already cancelling or cancelled; repeat is a no-op.
		return t, nil

	default:
		return nil, &StateTransitionError{TaskID: taskID, Current: t.Status, From: t.Status, To: StatusCancelled}
	}
}

// SettlementTasks adapts the task store to the settlement engine's view.
type SettlementTasks struct {
	store Store
}

// NewSettlementTasks creates the adapter.
func NewSettlementTasks(store Store) *SettlementTasks {
	return &SettlementTasks{store: store}
}

func (a *SettlementTasks) Info(ctx context.Context, taskID string) (*settlement.TaskInfo, error) {
	t, err := a.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &settlement.TaskInfo{
		ID:          t.ID,
		PosterID:    t.PosterID,
		HunterID:    t.HunterID,
		AmountCents: t.AmountCents,
	}, nil
}

// MarkCompleted moves in_progress→completed. A task already completed is
// success, keeping redelivered release events idempotent.
func (a *SettlementTasks) MarkCompleted(ctx context.Context, taskID string) error {
	_, err := a.store.Transition(ctx, taskID, StatusInProgress, StatusCompleted)
	return ignoreIfAlready(err, StatusCompleted)
}

// MarkCancelled moves cancellation_requested→cancelled, treating an
// already-cancelled task as success.
func (a *SettlementTasks) MarkCancelled(ctx context.Context, taskID string) error {
	_, err := a.store.Transition(ctx, taskID, StatusCancellationRequested, StatusCancelled)
	return ignoreIfAlready(err, StatusCancelled)
}

func ignoreIfAlready(err error, want Status) error {
	var ste *StateTransitionError
	if errors.As(err, &ste) && ste.Current == want {
		return nil
	}
	return err
}
