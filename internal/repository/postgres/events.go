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

// eventRepository implements repository.EventRepository
type eventRepository struct {
	store *Store
}

// InsertIgnore persists an event with insert-ignore-on-conflict semantics
// keyed on the external event ID. Redelivery of the same event reports
// inserted=false.
func (r *eventRepository) InsertIgnore(ctx context.Context, event *domain.Event) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		INSERT INTO webhook_events
			(id, external_id, tenant_id, event_type, membership_id, payload, occurred_at, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		ON CONFLICT (external_id) DO NOTHING`,
		event.ID, event.ExternalID, event.TenantID, string(event.Type),
		event.MembershipID, event.Payload, event.OccurredAt, event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves an event by its internal ID
func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	row := r.store.db.QueryRow(ctx, `
		SELECT id, external_id, tenant_id, event_type, membership_id, payload,
		       occurred_at, processed, processed_at, received_at
		FROM webhook_events
		WHERE id = $1`, id)
	return scanEvent(row)
}

// GetByExternalID retrieves an event by its platform-assigned ID
func (r *eventRepository) GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.Event, error) {
	row := r.store.db.QueryRow(ctx, `
		SELECT id, external_id, tenant_id, event_type, membership_id, payload,
		       occurred_at, processed, processed_at, received_at
		FROM webhook_events
		WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID)
	return scanEvent(row)
}

// MarkProcessed flips the processed flag, guarded so only one worker claims
// a given event
func (r *eventRepository) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE webhook_events SET processed = true, processed_at = $2
		WHERE id = $1 AND processed = false`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkUnprocessed releases a claim after a failed handler run
func (r *eventRepository) MarkUnprocessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.store.db.Exec(ctx, `
		UPDATE webhook_events SET processed = false, processed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event unprocessed: %w", err)
	}
	return nil
}

// ListUnprocessed returns events awaiting processing, oldest first
func (r *eventRepository) ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*domain.Event, error) {
	rows, err := r.store.db.Query(ctx, `
		SELECT id, external_id, tenant_id, event_type, membership_id, payload,
		       occurred_at, processed, processed_at, received_at
		FROM webhook_events
		WHERE processed = false AND received_at < $1
		ORDER BY received_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	var eventType string
	err := row.Scan(&e.ID, &e.ExternalID, &e.TenantID, &eventType, &e.MembershipID,
		&e.Payload, &e.OccurredAt, &e.Processed, &e.ProcessedAt, &e.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}
	e.Type = domain.EventType(eventType)
	return &e, nil
}
