package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revive-app/recoveryservice/internal/domain"
)

// jobRepository implements repository.JobRepository
type jobRepository struct {
	store *Store
}

// Insert enqueues a job row
func (r *jobRepository) Insert(ctx context.Context, job *domain.Job) error {
	_, err := r.store.db.Exec(ctx, `
		INSERT INTO jobs
			(id, tenant_id, job_type, payload, status, attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.TenantID, job.Type, job.Payload, string(job.Status),
		job.Attempts, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// DequeueBatch claims up to limit due jobs. SKIP LOCKED keeps concurrent
// worker processes from claiming the same rows; the claim itself is the
// status flip plus attempt increment.
func (r *jobRepository) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	rows, err := r.store.db.Query(ctx, `
		UPDATE jobs
		SET status = 'active', attempts = attempts + 1, updated_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= $2
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, job_type, payload, status, attempts, run_at,
		          last_error, created_at, updated_at`,
		limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var j domain.Job
		var status string
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Type, &j.Payload, &status,
			&j.Attempts, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Status = domain.JobStatus(status)
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// MarkCompleted finalizes a job
func (r *jobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.store.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// Reschedule puts a failed attempt back in the queue for a later run
func (r *jobRepository) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	_, err := r.store.db.Exec(ctx, `
		UPDATE jobs SET status = 'queued', run_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, runAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// MarkFailed marks a job permanently failed
func (r *jobRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, at time.Time) error {
	_, err := r.store.db.Exec(ctx, `
		UPDATE jobs SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1`, id, lastError, at)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// RequeueStuck returns active jobs older than cutoff to the queue
func (r *jobRepository) RequeueStuck(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE jobs SET status = 'queued', last_error = 'recovered by sweeper', updated_at = now()
		WHERE status = 'active' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
