package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/retry"
)

// Handler processes a claimed job. Returning an error reschedules the job
// until its attempt ceiling; handlers must tolerate redelivery.
type Handler func(ctx context.Context, job *domain.Job) error

// Config holds job queue tuning knobs.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	MaxAttempts  int
	StuckAfter   time.Duration
	Backoff      retry.Config
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    25,
		Workers:      4,
		MaxAttempts:  5,
		StuckAfter:   5 * time.Minute,
		Backoff: retry.Config{
			MaxAttempts:   5,
			InitialDelay:  30 * time.Second,
			MaxDelay:      15 * time.Minute,
			BackoffFactor: 2.0,
		},
	}
}

// Queue is a durable job queue backed by the relational store. Claiming is
// atomic, so multiple replicas can poll the same table without handing the
// same job to two workers.
type Queue struct {
	repo      repository.JobRepository
	publisher events.Publisher
	config    Config
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

// New creates a job queue. publisher may be a NoopPublisher.
func New(repo repository.JobRepository, publisher events.Publisher, config Config, logger *zap.Logger) *Queue {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = DefaultConfig().StuckAfter
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff = DefaultConfig().Backoff
	}
	return &Queue{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		handlers:  make(map[string]Handler),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (q *Queue) WithNow(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Register binds a handler to a job type. Jobs of an unregistered type are
// rescheduled until a replica that knows the type picks them up.
func (q *Queue) Register(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue inserts a job that is runnable immediately.
func (q *Queue) Enqueue(ctx context.Context, tenantID, jobType string, payload interface{}) (uuid.UUID, error) {
	return q.EnqueueAt(ctx, tenantID, jobType, payload, q.now())
}

// EnqueueAt inserts a job that becomes runnable at runAt.
func (q *Queue) EnqueueAt(ctx context.Context, tenantID, jobType string, payload interface{}, runAt time.Time) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := q.now()
	job := &domain.Job{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Type:      jobType,
		Payload:   body,
		Status:    domain.JobStatusQueued,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := q.repo.Insert(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	return job.ID, nil
}

// Start runs the polling loop until Stop is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	defer close(q.done)

	q.logger.Info("job queue started",
		zap.Duration("poll_interval", q.config.PollInterval),
		zap.Int("workers", q.config.Workers))

	poll := time.NewTicker(q.config.PollInterval)
	defer poll.Stop()

	sweep := time.NewTicker(q.config.StuckAfter)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-poll.C:
			if _, err := q.RunOnce(ctx); err != nil {
				q.logger.Error("job poll failed", zap.Error(err))
			}
		case <-sweep.C:
			q.sweepStuck(ctx)
		}
	}
}

// Stop signals the polling loop to exit and waits for it. Safe to call on a
// queue whose Start never ran, such as a one-shot binary that only enqueues.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if started {
		<-q.done
	}
}

// RunOnce claims one batch and processes it with the worker pool, returning
// the number of jobs handled.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	jobs, err := q.repo.DequeueBatch(ctx, q.config.BatchSize, q.now())
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, q.config.Workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			q.execute(ctx, job)
		}(job)
	}
	wg.Wait()

	return len(jobs), nil
}

func (q *Queue) execute(ctx context.Context, job *domain.Job) {
	start := q.now()

	err := q.runHandler(ctx, job)
	if err == nil {
		if markErr := q.repo.MarkCompleted(ctx, job.ID, q.now()); markErr != nil {
			q.logger.Error("failed to mark job completed",
				zap.String("job_id", job.ID.String()), zap.Error(markErr))
		}
		metrics.RecordJob(job.Type, "completed", q.now().Sub(start))
		return
	}

	q.logger.Warn("job attempt failed",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Error(err))

	if job.Attempts >= q.config.MaxAttempts {
		q.deadLetter(ctx, job, err)
		metrics.RecordJob(job.Type, "failed", q.now().Sub(start))
		return
	}

	runAt := q.now().Add(retry.Delay(q.config.Backoff, job.Attempts))
	if reschedErr := q.repo.Reschedule(ctx, job.ID, runAt, err.Error()); reschedErr != nil {
		q.logger.Error("failed to reschedule job",
			zap.String("job_id", job.ID.String()), zap.Error(reschedErr))
	}
	metrics.RecordJob(job.Type, "retried", q.now().Sub(start))
}

// runHandler dispatches to the registered handler, converting panics into
// errors so one bad payload cannot take the worker down.
func (q *Queue) runHandler(ctx context.Context, job *domain.Job) (err error) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return handler(ctx, job)
}

func (q *Queue) deadLetter(ctx context.Context, job *domain.Job, cause error) {
	if err := q.repo.MarkFailed(ctx, job.ID, cause.Error(), q.now()); err != nil {
		q.logger.Error("failed to mark job failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	metrics.JobsDeadLettered.WithLabelValues(job.Type).Inc()
	q.logger.Error("job dead-lettered",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))

	event := events.NewEvent(events.TypeJobDeadLettered, job.TenantID, map[string]interface{}{
		"job_id":   job.ID.String(),
		"job_type": job.Type,
		"attempts": job.Attempts,
		"error":    cause.Error(),
	})
	if err := q.publisher.Publish(ctx, event); err != nil {
		q.logger.Warn("failed to publish dead-letter event", zap.Error(err))
	}
}

func (q *Queue) sweepStuck(ctx context.Context) {
	cutoff := q.now().Add(-q.config.StuckAfter)
	n, err := q.repo.RequeueStuck(ctx, cutoff)
	if err != nil {
		q.logger.Error("stuck job sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		q.logger.Warn("requeued stuck jobs", zap.Int("count", n))
	}
}
