package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/repository"
)

// caseRepository implements repository.CaseRepository
type caseRepository struct {
	store *Store
}

const caseColumns = `
	id, tenant_id, membership_id, user_id, status, failure_reason, attempts,
	incentive_days, first_failed_at, last_nudge_at, recovered_amount,
	recovered_at, created_at, updated_at`

// GetOpen returns the single open case for (tenant, membership). A partial
// unique index on (tenant_id, membership_id) WHERE status = 'open' enforces
// the at-most-one-open-case invariant at the store level.
func (r *caseRepository) GetOpen(ctx context.Context, tenantID, membershipID string) (*domain.RecoveryCase, error) {
	row := r.store.db.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM recovery_cases
		WHERE tenant_id = $1 AND membership_id = $2 AND status = 'open'`,
		tenantID, membershipID)
	return scanCase(row)
}

// GetByID retrieves a case by ID
func (r *caseRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.RecoveryCase, error) {
	row := r.store.db.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM recovery_cases
		WHERE id = $1`, id)
	return scanCase(row)
}

// Create inserts a new recovery case
func (r *caseRepository) Create(ctx context.Context, c *domain.RecoveryCase) error {
	_, err := r.store.db.Exec(ctx, `
		INSERT INTO recovery_cases
			(id, tenant_id, membership_id, user_id, status, failure_reason, attempts,
			 incentive_days, first_failed_at, last_nudge_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, c.MembershipID, c.UserID, string(c.Status),
		c.FailureReason, c.Attempts, c.IncentiveDays, c.FirstFailedAt,
		c.LastNudgeAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery case: %w", err)
	}
	return nil
}

// MergeFailure increments attempts and refreshes the failure reason. The
// status guard makes concurrent mergers safe: a case resolved in between
// reports applied=false.
func (r *caseRepository) MergeFailure(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE recovery_cases
		SET attempts = attempts + 1, failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'open'`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("failed to merge failure into case: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRecovered transitions open -> recovered. The status predicate means a
// concurrent duplicate success event sees zero affected rows and treats the
// attempt as a no-op.
func (r *caseRepository) MarkRecovered(ctx context.Context, id uuid.UUID, amount *int64, at time.Time) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE recovery_cases
		SET status = 'recovered', recovered_amount = $2, recovered_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'open'`, id, amount, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark case recovered: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close transitions open -> closed
func (r *caseRepository) Close(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE recovery_cases
		SET status = 'closed', updated_at = $2
		WHERE id = $1 AND status = 'open'`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to close case: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordNudge stamps the last nudge time
func (r *caseRepository) RecordNudge(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.store.db.Exec(ctx, `
		UPDATE recovery_cases SET last_nudge_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record nudge: %w", err)
	}
	return nil
}

// RecordIncentive persists the granted days at most once per case.
func (r *caseRepository) RecordIncentive(ctx context.Context, id uuid.UUID, days int) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE recovery_cases
		SET incentive_days = $2, updated_at = now()
		WHERE id = $1 AND incentive_days = 0`, id, days)
	if err != nil {
		return false, fmt.Errorf("failed to record incentive: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOpenDue returns open cases whose age since first failure has crossed
// one of the offsets and whose last nudge predates that crossing.
func (r *caseRepository) ListOpenDue(ctx context.Context, tenantID string, offsetsDays []int, now time.Time) ([]*domain.RecoveryCase, error) {
	rows, err := r.store.db.Query(ctx, `
		SELECT DISTINCT ON (c.id) `+prefixedCaseColumns()+`
		FROM recovery_cases c
		CROSS JOIN unnest($3::int[]) AS o(offset_days)
		WHERE c.tenant_id = $1
		  AND c.status = 'open'
		  AND c.first_failed_at + make_interval(days => o.offset_days) <= $2
		  AND (c.last_nudge_at IS NULL
		       OR c.last_nudge_at < c.first_failed_at + make_interval(days => o.offset_days))
		ORDER BY c.id, c.first_failed_at`,
		tenantID, now, offsetsDays)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}
	defer rows.Close()

	var cases []*domain.RecoveryCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due cases: %w", err)
	}
	return cases, nil
}

func prefixedCaseColumns() string {
	return `c.id, c.tenant_id, c.membership_id, c.user_id, c.status, c.failure_reason,
		c.attempts, c.incentive_days, c.first_failed_at, c.last_nudge_at,
		c.recovered_amount, c.recovered_at, c.created_at, c.updated_at`
}

func scanCase(row pgx.Row) (*domain.RecoveryCase, error) {
	var c domain.RecoveryCase
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.MembershipID, &c.UserID, &status,
		&c.FailureReason, &c.Attempts, &c.IncentiveDays, &c.FirstFailedAt,
		&c.LastNudgeAt, &c.RecoveredAmount, &c.RecoveredAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recovery case: %w", err)
	}
	c.Status = domain.CaseStatus(status)
	return &c, nil
}
