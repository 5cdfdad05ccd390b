package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huntboard/huntboard/internal/alerting"
	"github.com/huntboard/huntboard/internal/retry"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (s *captureSink) Notify(ctx context.Context, alert alerting.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastConfig(maxAttempts int) WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Millisecond,
		BatchSize:    10,
		StuckAfter:   time.Minute,
		Policy:       retry.Policy{MaxAttempts: maxAttempts, Base: time.Millisecond, Cap: time.Millisecond},
	}
}

func TestWorker_DeliversEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	worker := NewWorker(store, fastConfig(5), &captureSink{}, testLogger())

	var handled int
	worker.Register("test.event", func(ctx context.Context, ev *Event) error {
		handled++
		return nil
	})

	ev := &Event{EventType: "test.event", Payload: []byte(`{"k":"v"}`)}
	require.NoError(t, store.Enqueue(ctx, ev))

	worker.Tick(ctx)

	assert.Equal(t, 1, handled)
	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	worker := NewWorker(store, fastConfig(5), &captureSink{}, testLogger())

	attempts := 0
	worker.Register("test.flaky", func(ctx context.Context, ev *Event) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ev := &Event{EventType: "test.flaky"}
	require.NoError(t, store.Enqueue(ctx, ev))

	for i := 0; i < 5 && attempts < 3; i++ {
		worker.Tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 3, attempts)
	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestWorker_ExhaustsRetriesAndAlerts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &captureSink{}
	worker := NewWorker(store, fastConfig(3), sink, testLogger())

	attempts := 0
	worker.Register("test.doomed", func(ctx context.Context, ev *Event) error {
		attempts++
		return errors.New("still broken")
	})

	ev := &Event{EventType: "test.doomed"}
	require.NoError(t, store.Enqueue(ctx, ev))

	for i := 0; i < 10; i++ {
		worker.Tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}

	// Exactly MaxAttempts tries, then parked as failed.
	assert.Equal(t, 3, attempts)
	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "still broken")
	assert.Equal(t, 1, sink.count())
}

func TestWorker_PermanentErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &captureSink{}
	worker := NewWorker(store, fastConfig(5), sink, testLogger())

	attempts := 0
	worker.Register("test.permanent", func(ctx context.Context, ev *Event) error {
		attempts++
		return retry.Permanent(errors.New("card declined"))
	})

	ev := &Event{EventType: "test.permanent"}
	require.NoError(t, store.Enqueue(ctx, ev))

	worker.Tick(ctx)
	time.Sleep(5 * time.Millisecond)
	worker.Tick(ctx)

	// One attempt only: permanent failures skip the backoff schedule.
	assert.Equal(t, 1, attempts)
	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, sink.count())
}

func TestWorker_StopDuringBusyTickStillStops(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	worker := NewWorker(store, fastConfig(5), &captureSink{}, testLogger())

	entered := make(chan struct{})
	release := make(chan struct{})
	worker.Register("test.slow", func(ctx context.Context, ev *Event) error {
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, store.Enqueue(ctx, &Event{EventType: "test.slow"}))

	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	// The loop is inside a tick when Stop fires; the signal must be
	// buffered until the next select pass.
	<-entered
	worker.Stop()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after Stop fired mid-tick")
	}
	assert.False(t, worker.Running())
}

func TestWorker_NoHandlerFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &captureSink{}
	worker := NewWorker(store, fastConfig(5), sink, testLogger())

	ev := &Event{EventType: "test.unregistered"}
	require.NoError(t, store.Enqueue(ctx, ev))

	worker.Tick(ctx)

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, sink.count())
}

func TestEnqueue_DedupKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := &Event{EventType: "test.event", DedupKey: "release:task_1"}
	require.NoError(t, store.Enqueue(ctx, first))

	second := &Event{EventType: "test.event", DedupKey: "release:task_1"}
	assert.ErrorIs(t, store.Enqueue(ctx, second), ErrDuplicateEvent)

	// A different key is fine.
	third := &Event{EventType: "test.event", DedupKey: "release:task_2"}
	assert.NoError(t, store.Enqueue(ctx, third))
}

func TestClaim_ExclusiveAndDue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	due := &Event{EventType: "a"}
	require.NoError(t, store.Enqueue(ctx, due))
	future := &Event{EventType: "b", NextRetryAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Enqueue(ctx, future))

	claimed, err := store.Claim(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)

	// Claimed events are not handed out twice.
	again, err := store.Claim(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRetry_ResetsFailedEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ev := &Event{EventType: "test.event"}
	require.NoError(t, store.Enqueue(ctx, ev))

	// Only failed events can be reset.
	assert.ErrorIs(t, store.Retry(ctx, ev.ID), ErrNotFailed)

	_, err := store.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, ev.ID, "boom"))

	require.NoError(t, store.Retry(ctx, ev.ID))
	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestDeleteCompletedBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ev := &Event{EventType: "test.event", DedupKey: "k1"}
	require.NoError(t, store.Enqueue(ctx, ev))
	_, err := store.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, ev.ID))

	removed, err := store.DeleteCompletedBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The dedup key is released with the archived event.
	assert.NoError(t, store.Enqueue(ctx, &Event{EventType: "test.event", DedupKey: "k1"}))
}

func TestDefaultPolicy_Schedule(t *testing.T) {
	p := DefaultPolicy
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}
