package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Archiver periodically deletes completed events past their retention
// window so the outbox table stays small enough to claim from quickly.
type Archiver struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewArchiver creates an archiver. Retention defaults to 7 days.
func NewArchiver(store Store, retention time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Archiver{
		store:     store,
		retention: retention,
		interval:  time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the archiver loop is active.
func (a *Archiver) Running() bool {
	return a.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (a *Archiver) Start(ctx context.Context) {
	a.running.Store(true)
	defer a.running.Store(false)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.safeSweep(ctx)
		}
	}
}

// Stop signals the archiver to stop.
func (a *Archiver) Stop() {
	select {
	case a.stop <- struct{}{}:
	default:
	}
}

func (a *Archiver) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in outbox archiver", "panic", fmt.Sprint(r))
		}
	}()

	n, err := a.store.DeleteCompletedBefore(ctx, time.Now().Add(-a.retention))
	if err != nil {
		a.logger.Warn("outbox archive sweep failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("archived completed outbox events", "count", n)
	}
}
