package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/retry"
)

// DefaultPolicy is the standard delivery schedule: five attempts total,
// backing off 1s, 2s, 4s, 8s between them, capped at one minute.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 5,
	Base:        time.Second,
	Cap:         time.Minute,
}

// WorkerConfig tunes the outbox worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StuckAfter is how long an event may sit in processing before it is
	// treated as abandoned by a crashed worker and requeued.
	StuckAfter time.Duration
	Policy     retry.Policy
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		BatchSize:    25,
		StuckAfter:   5 * time.Minute,
		Policy:       DefaultPolicy,
	}
}

// Worker drains the outbox: it claims due events, dispatches them to the
// registered handler for their type, and applies the retry policy to
// failures. One Worker may run per process; claims are safe across
// processes.
type Worker struct {
	store    Store
	config   WorkerConfig
	logger   *slog.Logger
	alerts   alerting.Sink
	handlers map[string]Handler
	mu       sync.RWMutex
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates an outbox worker.
func NewWorker(store Store, config WorkerConfig, alerts alerting.Sink, logger *slog.Logger) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = DefaultPolicy
	}
	return &Worker{
		store:    store,
		config:   config,
		logger:   logger,
		alerts:   alerts,
		handlers: make(map[string]Handler),
		// Buffered so Stop's signal is not lost while the loop is mid-tick.
		stop: make(chan struct{}, 1),
	}
}

// Register binds a handler to an event type. Must be called before Start.
func (w *Worker) Register(eventType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[eventType] = h
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the delivery loop until the context is cancelled or Stop is
// called. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Recover events a previous worker left in processing.
	w.requeueStuck(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in outbox worker", "panic", fmt.Sprint(r))
		}
	}()
	w.Tick(ctx)
}

// Tick claims and processes one batch of due events. Exposed for tests
// and for deployments that drive the worker from an external scheduler.
func (w *Worker) Tick(ctx context.Context) {
	events, err := w.store.Claim(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		w.logger.Error("outbox claim failed", "error", err)
		return
	}
	for _, ev := range events {
		w.process(ctx, ev)
	}
	w.observeDepth(ctx)
}

func (w *Worker) process(ctx context.Context, ev *Event) {
	w.mu.RLock()
	handler, ok := w.handlers[ev.EventType]
	w.mu.RUnlock()

	if !ok {
		// No handler is a deployment bug, not a transient condition.
		w.fail(ctx, ev, ErrNoHandler.Error())
		return
	}

	start := time.Now()
	err := handler(ctx, ev)
	eventDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

	if err == nil {
		if markErr := w.store.MarkCompleted(ctx, ev.ID); markErr != nil {
			w.logger.Error("outbox mark completed failed", "event", ev.ID, "error", markErr)
		}
		eventsTotal.WithLabelValues(ev.EventType, "completed").Inc()
		return
	}

	// Permanent failures skip the backoff schedule: retrying a declined
	// card or a missing hold cannot change the outcome.
	var pe *retry.PermanentError
	if errors.As(err, &pe) {
		w.fail(ctx, ev, pe.Error())
		return
	}

	// RetryCount counts finished attempts; this attempt makes it +1.
	attempts := ev.RetryCount + 1
	if w.config.Policy.Exhausted(attempts) {
		w.fail(ctx, ev, err.Error())
		return
	}

	delay := w.config.Policy.Delay(attempts)
	if markErr := w.store.MarkRetry(ctx, ev.ID, time.Now().Add(delay), err.Error()); markErr != nil {
		w.logger.Error("outbox mark retry failed", "event", ev.ID, "error", markErr)
		return
	}
	eventsTotal.WithLabelValues(ev.EventType, "retried").Inc()
	w.logger.Warn("outbox event retry scheduled",
		"event", ev.ID, "type", ev.EventType, "attempt", attempts, "delay", delay, "error", err)
}

func (w *Worker) fail(ctx context.Context, ev *Event, reason string) {
	if err := w.store.MarkFailed(ctx, ev.ID, reason); err != nil {
		w.logger.Error("outbox mark failed failed", "event", ev.ID, "error", err)
		return
	}
	eventsTotal.WithLabelValues(ev.EventType, "failed").Inc()
	w.logger.Error("outbox event exhausted retries",
		"event", ev.ID, "type", ev.EventType, "attempts", ev.RetryCount+1, "error", reason)
	w.alerts.Notify(ctx, alerting.Alert{
		Severity: alerting.SeverityCritical,
		Code:     "outbox_event_failed",
		Message:  "Outbox event exhausted its retry budget and needs manual intervention",
		Fields: map[string]string{
			"eventId":   ev.ID,
			"eventType": ev.EventType,
			"lastError": reason,
		},
		At: time.Now(),
	})
}

func (w *Worker) requeueStuck(ctx context.Context) {
	if w.config.StuckAfter <= 0 {
		return
	}
	n, err := w.store.RequeueStuck(ctx, time.Now().Add(-w.config.StuckAfter))
	if err != nil {
		w.logger.Error("outbox requeue stuck failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stuck outbox events", "count", n)
	}
}

func (w *Worker) observeDepth(ctx context.Context) {
	pending, err := w.store.ListByStatus(ctx, StatusPending, 1000)
	if err != nil {
		return
	}
	queueDepth.WithLabelValues(string(StatusPending)).Set(float64(len(pending)))
	failed, err := w.store.ListByStatus(ctx, StatusFailed, 1000)
	if err != nil {
		return
	}
	queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(len(failed)))
}
