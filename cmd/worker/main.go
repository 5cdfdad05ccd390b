// Huntboard worker - standalone outbox delivery and reconciliation
// process. Runs against the same Postgres database as the API server so
// delivery keeps draining while the API is redeployed. Claims are safe
// to run alongside the in-server worker.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/circuitbreaker"
	"github.com/huntboard/huntboard/internal/config"
	"github.com/huntboard/huntboard/internal/ledger"
	"github.com/huntboard/huntboard/internal/logging"
	"github.com/huntboard/huntboard/internal/outbox"
	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/reconciliation"
	"github.com/huntboard/huntboard/internal/settlement"
	"github.com/huntboard/huntboard/internal/task"
	"github.com/huntboard/huntboard/internal/wallet"
)

func main() {
	logger := logging.New("info", "json")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the standalone worker")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	boxStore := outbox.NewPostgresStore(db)
	ledgerStore := ledger.NewPostgresStore(db)
	walletStore := wallet.NewPostgresStore(db)
	taskStore := task.NewPostgresStore(db, boxStore)

	var (
		proc    processor.Processor
		payouts processor.PayoutAccounts
	)
	if cfg.StripeAPIKey != "" {
		stripe := processor.NewStripe(cfg.StripeAPIKey, cfg.Currency)
		proc, payouts = stripe, stripe
	} else {
		sim := processor.NewSim()
		proc, payouts = sim, sim
		logger.Warn("using simulated payment processor")
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	alerts := alerting.New(logger, cfg.AlertWebhookURL)
	walletSvc := wallet.New(walletStore)
	ledgerSvc := ledger.New(ledgerStore)

	engine := settlement.NewEngine(ledgerSvc, walletSvc, proc, payouts,
		task.NewSettlementTasks(taskStore), boxStore, breaker, alerts, nil,
		settlement.Config{FeeBps: cfg.PlatformFeeBps, PlatformAccountID: cfg.PlatformAccountID},
		logger)

	workerCfg := outbox.DefaultWorkerConfig()
	if cfg.OutboxPollInterval > 0 {
		workerCfg.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		workerCfg.BatchSize = cfg.OutboxBatchSize
	}
	worker := outbox.NewWorker(boxStore, workerCfg, alerts, logger)
	engine.Register(worker)

	archiver := outbox.NewArchiver(boxStore, cfg.OutboxRetention, logger)
	reconciler := reconciliation.NewRunner(ledgerStore, walletSvc, boxStore, alerts, logger)
	reconcileTimer := reconciliation.NewTimerWithInterval(reconciler, cfg.ReconcileInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Start(ctx)
	go archiver.Start(ctx)
	go reconcileTimer.Start(ctx)

	logger.Info("worker started",
		"poll_interval", workerCfg.PollInterval.String(),
		"batch_size", workerCfg.BatchSize,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	worker.Stop()
	archiver.Stop()
	reconcileTimer.Stop()
	logger.Info("worker stopped")
}
