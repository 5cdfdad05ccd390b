package processor

import (
	"context"
	"errors"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// DefaultCallTimeout bounds every processor call; retries happen out of
// band via the outbox, never by blocking the caller.
const DefaultCallTimeout = 15 * time.Second

// Stripe implements Processor and PayoutAccounts against the Stripe API.
// Holds are manual-capture PaymentIntents; payouts are Transfers to
// connected accounts.
type Stripe struct {
	api      *client.API
	currency string
	timeout  time.Duration
}

// NewStripe creates a Stripe-backed processor.
func NewStripe(apiKey, currency string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{
		api:      api,
		currency: currency,
		timeout:  DefaultCallTimeout,
	}
}

var _ Processor = (*Stripe)(nil)
var _ PayoutAccounts = (*Stripe)(nil)

// Authorize reserves funds on the payer's default payment method without
// capturing them.
func (s *Stripe) Authorize(ctx context.Context, amountCents int64, payerRef, idempotencyToken string) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(s.currency),
		Customer:      stripe.String(payerRef),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyToken)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", classify(OpAuthorize, err)
	}
	return pi.ID, nil
}

// Capture converts an authorized hold into an irreversible charge.
func (s *Stripe) Capture(ctx context.Context, holdRef, idempotencyToken string) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyToken)

	pi, err := s.api.PaymentIntents.Capture(holdRef, params)
	if err != nil {
		return "", classify(OpCapture, err)
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

// Transfer pays a hunter's connected account.
func (s *Stripe) Transfer(ctx context.Context, payeeAccountRef string, amountCents int64, idempotencyToken string) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(payeeAccountRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyToken)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", classify(OpTransfer, err)
	}
	return tr.ID, nil
}

// Refund reverses an authorization (uncaptured holds are voided, captured
// ones refunded) up to amountCents.
func (s *Stripe) Refund(ctx context.Context, holdRef string, amountCents int64, idempotencyToken string) (string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(holdRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyToken)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", classify(OpRefund, err)
	}
	return r.ID, nil
}

// Payable reports whether the user's connected account can receive payouts.
func (s *Stripe) Payable(ctx context.Context, userID string) (bool, string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	params := &stripe.AccountParams{Params: stripe.Params{Context: ctx}}
	acct, err := s.api.Accounts.GetByID(userID, params)
	if err != nil {
		return false, "", classify("account_lookup", err)
	}
	return acct.PayoutsEnabled, acct.ID, nil
}

func (s *Stripe) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps a Stripe error into the engine's transient/permanent taxonomy.
func classify(op string, err error) error {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		// Network-level failure with no API response: retryable.
		return Transient(op, err)
	}

	switch {
	case sErr.HTTPStatusCode == http.StatusTooManyRequests:
		return Transient(op, err)
	case sErr.HTTPStatusCode >= 500:
		return Transient(op, err)
	case sErr.Type == stripe.ErrorTypeAPI:
		return Transient(op, err)
	case sErr.Type == stripe.ErrorTypeCard:
		return Permanent(op, "payment method was declined", err)
	default:
		reason := sErr.Msg
		if reason == "" {
			reason = "request rejected by payment provider"
		}
		return Permanent(op, reason, err)
	}
}
