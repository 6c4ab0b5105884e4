package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/repository"
)

// settingsRepository implements repository.SettingsRepository
type settingsRepository struct {
	store *Store
}

// GetByTenant returns the tenant's settings or ErrNotFound
func (r *settingsRepository) GetByTenant(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	var s domain.TenantSettings
	err := r.store.db.QueryRow(ctx, `
		SELECT tenant_id, attribution_window_days, incentive_days,
		       reminder_offsets_days, updated_at
		FROM tenant_settings
		WHERE tenant_id = $1`, tenantID,
	).Scan(&s.TenantID, &s.AttributionWindowDays, &s.IncentiveDays,
		&s.ReminderOffsetsDays, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	return &s, nil
}

// Upsert creates or replaces the tenant's settings
func (r *settingsRepository) Upsert(ctx context.Context, settings *domain.TenantSettings) error {
	_, err := r.store.db.Exec(ctx, `
		INSERT INTO tenant_settings
			(tenant_id, attribution_window_days, incentive_days, reminder_offsets_days, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id)
		DO UPDATE SET attribution_window_days = EXCLUDED.attribution_window_days,
		              incentive_days = EXCLUDED.incentive_days,
		              reminder_offsets_days = EXCLUDED.reminder_offsets_days,
		              updated_at = now()`,
		settings.TenantID, settings.AttributionWindowDays,
		settings.IncentiveDays, settings.ReminderOffsetsDays,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant settings: %w", err)
	}
	return nil
}
