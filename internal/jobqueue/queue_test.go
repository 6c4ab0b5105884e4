package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/repository/memory"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.MaxAttempts = 3
	return cfg
}

func TestEnqueueAndProcess(t *testing.T) {
	store := memory.NewStore()
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop())

	var processed atomic.Int32
	q.Register("webhook.process", func(ctx context.Context, job *domain.Job) error {
		processed.Add(1)
		return nil
	})

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "webhook.process", map[string]string{"event_id": "e1"})
	require.NoError(t, err)

	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), processed.Load())

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestFailedJobIsRescheduledWithBackoff(t *testing.T) {
	store := memory.NewStore()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop()).
		WithNow(func() time.Time { return now })

	q.Register("flaky", func(ctx context.Context, job *domain.Job) error {
		return errors.New("transient failure")
	})

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "flaky", nil)
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "transient failure")
	// First retry waits the initial backoff delay.
	assert.Equal(t, now.Add(30*time.Second), job.RunAt)

	// Not runnable until the delay elapses.
	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now = now.Add(time.Minute)
	n, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobDeadLettersAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	q := New(store.Jobs(), events.NoopPublisher{}, cfg, zap.NewNop()).
		WithNow(func() time.Time { return now })

	q.Register("doomed", func(ctx context.Context, job *domain.Job) error {
		return errors.New("permanent failure")
	})

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "doomed", nil)
	require.NoError(t, err)

	for i := 0; i < cfg.MaxAttempts; i++ {
		now = now.Add(time.Hour)
		_, err = q.RunOnce(ctx)
		require.NoError(t, err)
	}

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, cfg.MaxAttempts, job.Attempts)

	// Stays failed: no further executions.
	now = now.Add(time.Hour)
	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPanickingHandlerIsRetriedNotFatal(t *testing.T) {
	store := memory.NewStore()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop()).
		WithNow(func() time.Time { return now })

	q.Register("panicky", func(ctx context.Context, job *domain.Job) error {
		panic("boom")
	})

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "panicky", nil)
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "panicked")
}

func TestUnregisteredTypeIsRescheduled(t *testing.T) {
	store := memory.NewStore()
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop())

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "unknown.type", nil)
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "no handler registered")
}

func TestConcurrentWorkersEachJobOnce(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	cfg.Workers = 8
	cfg.BatchSize = 50
	q := New(store.Jobs(), events.NoopPublisher{}, cfg, zap.NewNop())

	var mu sync.Mutex
	seen := make(map[string]int)
	q.Register("count", func(ctx context.Context, job *domain.Job) error {
		mu.Lock()
		seen[string(job.Payload)]++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	const total = 30
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "acme", "count", i)
		require.NoError(t, err)
	}

	n, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	assert.Len(t, seen, total)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "payload %s executed more than once", payload)
	}
}

func TestStuckJobSweep(t *testing.T) {
	store := memory.NewStore()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop()).
		WithNow(func() time.Time { return now })

	// Claim a job but never finish it, as a crashed worker would.
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "acme", "orphan", nil)
	require.NoError(t, err)

	jobs, err := store.Jobs().DequeueBatch(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	now = now.Add(10 * time.Minute)
	q.sweepStuck(ctx)

	job, ok := store.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestStopBeforeStartReturns(t *testing.T) {
	store := memory.NewStore()
	q := New(store.Jobs(), events.NoopPublisher{}, testConfig(), zap.NewNop())

	// A one-shot binary may wire the queue for enqueueing only and still
	// shut it down; Stop must not wait for a loop that never ran.
	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return for a queue that was never started")
	}
}

func TestStopWaitsForRunningLoop(t *testing.T) {
	store := memory.NewStore()
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	q := New(store.Jobs(), events.NoopPublisher{}, cfg, zap.NewNop())

	loopDone := make(chan struct{})
	go func() {
		q.Start(context.Background())
		close(loopDone)
	}()

	stopDone := make(chan struct{})
	go func() {
		q.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the loop was started")
	}

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("polling loop did not exit after Stop")
	}
}
