// Package reconciliation audits the money paths: ledger totals against
// wallet balances, and the outbox for parked or stuck events. It never
// repairs anything itself; findings surface as metrics and alerts for an
// operator to act on.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/wallet"
)

// BalanceSummer returns the net ledger amount per user.
type BalanceSummer interface {
	SumByUser(ctx context.Context) (map[string]int64, error)
}

// WalletLister returns every wallet balance.
type WalletLister interface {
	All(ctx context.Context) ([]*wallet.Balance, error)
}

// OutboxInspector exposes the outbox queues for auditing.
type OutboxInspector interface {
	ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RanAt time.Time `json:"ranAt"`

	// LedgerNetCents is the sum of all ledger rows. Holds are negative
	// and settlements positive, so the net is minus the outstanding
	// escrow. A positive net means money appeared from nowhere.
	LedgerNetCents    int64 `json:"ledgerNetCents"`
	LedgerConserved   bool  `json:"ledgerConserved"`
	OutstandingEscrow int64 `json:"outstandingEscrowCents"`

	// NegativeWallets lists users whose stored balance is below zero.
	NegativeWallets []string `json:"negativeWallets,omitempty"`

	// FailedEvents and StuckEvents count outbox events needing an
	// operator: parked after exhausting retries, and sitting in
	// processing respectively.
	FailedEvents int `json:"failedEvents"`
	StuckEvents  int `json:"stuckEvents"`
}

// Healthy reports whether the run found nothing to act on.
func (r *Report) Healthy() bool {
	return r.LedgerConserved && len(r.NegativeWallets) == 0 && r.FailedEvents == 0
}

// Runner executes the reconciliation checks.
type Runner struct {
	summer  BalanceSummer
	wallets WalletLister
	box     OutboxInspector
	alerts  alerting.Sink
	logger  *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(summer BalanceSummer, wallets WalletLister, box OutboxInspector, alerts alerting.Sink, logger *slog.Logger) *Runner {
	return &Runner{
		summer:  summer,
		wallets: wallets,
		box:     box,
		alerts:  alerts,
		logger:  logger,
	}
}

const inspectLimit = 1000

// RunAll executes every check and returns the combined report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: start}

	if err := r.checkLedger(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("ledger check: %w", err)
	}
	if err := r.checkWallets(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("wallet check: %w", err)
	}
	if err := r.checkOutbox(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("outbox check: %w", err)
	}

	reconcileDuration.Observe(time.Since(start).Seconds())
	if report.Healthy() {
		r.logger.Debug("reconciliation clean",
			"outstandingEscrowCents", report.OutstandingEscrow)
	} else {
		r.logger.Warn("reconciliation found issues",
			"ledgerConserved", report.LedgerConserved,
			"negativeWallets", len(report.NegativeWallets),
			"failedEvents", report.FailedEvents,
			"stuckEvents", report.StuckEvents)
	}
	return report, nil
}

// checkLedger verifies that the ledger never creates money. Every hold is
// a negative row and every settlement a positive one, so the net across
// all rows is minus the escrow still outstanding: it must not be positive.
func (r *Runner) checkLedger(ctx context.Context, report *Report) error {
	sums, err := r.summer.SumByUser(ctx)
	if err != nil {
		return err
	}

	var net int64
	for _, amount := range sums {
		net += amount
	}
	report.LedgerNetCents = net
	report.LedgerConserved = net <= 0
	if net < 0 {
		report.OutstandingEscrow = -net
	}

	if !report.LedgerConserved {
		reconcileLedgerDrift.Set(float64(net))
		r.alerts.Notify(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Code:     "ledger_not_conserved",
			Message:  "ledger net is positive: settlements exceed holds",
			Fields:   map[string]string{"netCents": strconv.FormatInt(net, 10)},
		})
	} else {
		reconcileLedgerDrift.Set(0)
	}
	return nil
}

// checkWallets flags stored balances below zero. The database CHECK makes
// this impossible in postgres mode; in memory mode it is the only guard.
func (r *Runner) checkWallets(ctx context.Context, report *Report) error {
	balances, err := r.wallets.All(ctx)
	if err != nil {
		return err
	}

	for _, b := range balances {
		if b.BalanceCents < 0 {
			report.NegativeWallets = append(report.NegativeWallets, b.UserID)
		}
	}
	reconcileNegativeWallets.Set(float64(len(report.NegativeWallets)))

	if len(report.NegativeWallets) > 0 {
		r.alerts.Notify(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Code:     "negative_wallet_balance",
			Message:  "wallet balances below zero",
			Fields:   map[string]string{"users": strings.Join(report.NegativeWallets, ",")},
		})
	}
	return nil
}

// checkOutbox surfaces parked and long-running events.
func (r *Runner) checkOutbox(ctx context.Context, report *Report) error {
	failed, err := r.box.ListByStatus(ctx, outbox.StatusFailed, inspectLimit)
	if err != nil {
		return err
	}
	report.FailedEvents = len(failed)
	reconcileFailedEvents.Set(float64(len(failed)))

	processing, err := r.box.ListByStatus(ctx, outbox.StatusProcessing, inspectLimit)
	if err != nil {
		return err
	}
	report.StuckEvents = len(processing)
	reconcileStuckEvents.Set(float64(len(processing)))

	if len(failed) > 0 {
		r.alerts.Notify(ctx, alerting.Alert{
			Severity: alerting.SeverityWarning,
			Code:     "outbox_events_parked",
			Message:  "outbox events exhausted their retries and need review",
			Fields:   map[string]string{"count": strconv.Itoa(len(failed))},
		})
	}
	return nil
}
