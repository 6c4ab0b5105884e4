package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/revive-app/recoveryservice/internal/domain"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// EventRepository defines the interface for webhook event persistence.
// Events are append-only; the only mutation is flipping the processed flag.
type EventRepository interface {
	// InsertIgnore persists the event keyed on its external ID. A duplicate
	// delivery reports inserted=false and is not an error.
	InsertIgnore(ctx context.Context, event *domain.Event) (inserted bool, err error)

	// GetByID retrieves an event by its internal ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error)

	// GetByExternalID retrieves an event by its platform-assigned ID.
	GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.Event, error)

	// MarkProcessed flips the processed flag, guarded on it still being
	// false. Redelivered work for the same event reports applied=false and
	// must not mutate anything downstream.
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (applied bool, err error)

	// MarkUnprocessed clears the processed flag, releasing a claim whose
	// handler failed so a retry can re-run it.
	MarkUnprocessed(ctx context.Context, id uuid.UUID) error

	// ListUnprocessed returns events still awaiting processing that were
	// received before the cutoff. Feeds the re-enqueue sweep that catches
	// events whose processing job was lost.
	ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*domain.Event, error)
}

// CaseRepository defines the interface for recovery case persistence. All
// state transitions are conditional writes guarded on status so concurrent
// workers cannot double-apply them; callers inspect the applied result
// instead of relying on locks.
type CaseRepository interface {
	// GetOpen returns the single open case for (tenant, membership), or
	// ErrNotFound.
	GetOpen(ctx context.Context, tenantID, membershipID string) (*domain.RecoveryCase, error)

	// GetByID retrieves a case by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RecoveryCase, error)

	// Create inserts a new case.
	Create(ctx context.Context, c *domain.RecoveryCase) error

	// MergeFailure increments the attempt counter and refreshes the failure
	// reason, guarded on status = open. applied=false means the case was
	// concurrently resolved.
	MergeFailure(ctx context.Context, id uuid.UUID, reason string, at time.Time) (applied bool, err error)

	// MarkRecovered transitions open -> recovered, stamping the recovered
	// amount and time, guarded on status = open. applied=false means a
	// concurrent writer already resolved the case.
	MarkRecovered(ctx context.Context, id uuid.UUID, amount *int64, at time.Time) (applied bool, err error)

	// Close transitions open -> closed, guarded on status = open.
	Close(ctx context.Context, id uuid.UUID, at time.Time) (applied bool, err error)

	// RecordNudge stamps the last nudge time on the case.
	RecordNudge(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordIncentive persists the granted incentive days, guarded on
	// incentive_days = 0. applied=false means the grant was already recorded.
	RecordIncentive(ctx context.Context, id uuid.UUID, days int) (applied bool, err error)

	// ListOpenDue returns open cases whose age since first failure has
	// crossed one of the offsets (in days) and which have not been nudged
	// since crossing it.
	ListOpenDue(ctx context.Context, tenantID string, offsetsDays []int, now time.Time) ([]*domain.RecoveryCase, error)
}

// JobRepository defines the interface for the durable job store.
type JobRepository interface {
	// Insert enqueues a job row.
	Insert(ctx context.Context, job *domain.Job) error

	// DequeueBatch claims up to limit queued jobs whose run time has
	// arrived, marking them active and incrementing their attempt counter.
	// Claimed jobs are invisible to other workers.
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error)

	// MarkCompleted finalizes a job.
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error

	// Reschedule puts a failed attempt back in the queue for a later run.
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error

	// MarkFailed marks a job permanently failed (dead-letter candidate).
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, at time.Time) error

	// RequeueStuck returns active jobs older than cutoff to the queue.
	// Recovers work claimed by a worker that crashed mid-flight.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int, error)
}

// RateLimitRepository defines the interface for fixed-window counters.
type RateLimitRepository interface {
	// Increment upserts the (identifier, windowStart) bucket with an atomic
	// increment and returns the post-increment count.
	Increment(ctx context.Context, identifier string, windowStart time.Time) (int64, error)

	// DeleteExpired removes buckets with windowStart strictly before the
	// given time. The current bucket is never touched.
	DeleteExpired(ctx context.Context, identifier string, before time.Time) error
}

// SettingsRepository defines the interface for per-tenant settings.
type SettingsRepository interface {
	// GetByTenant returns the tenant's settings, or ErrNotFound when the
	// tenant has not configured anything.
	GetByTenant(ctx context.Context, tenantID string) (*domain.TenantSettings, error)

	// Upsert creates or replaces the tenant's settings.
	Upsert(ctx context.Context, settings *domain.TenantSettings) error
}

// Store aggregates the repositories backed by one relational database.
type Store interface {
	Events() EventRepository
	Cases() CaseRepository
	Jobs() JobRepository
	RateLimits() RateLimitRepository
	Settings() SettingsRepository
	Close() error
}
