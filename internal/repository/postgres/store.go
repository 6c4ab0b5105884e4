package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/revive-app/recoveryservice/internal/repository"
)

// Store represents the PostgreSQL store implementation. It is the single
// source of truth: all cross-process coordination is expressed as conditional
// writes against it, not in-process locks.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store from a connection string.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

// NewStoreWithPool creates a store from an existing pool.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Events returns the webhook event repository implementation
func (s *Store) Events() repository.EventRepository {
	return &eventRepository{store: s}
}

// Cases returns the recovery case repository implementation
func (s *Store) Cases() repository.CaseRepository {
	return &caseRepository{store: s}
}

// Jobs returns the job repository implementation
func (s *Store) Jobs() repository.JobRepository {
	return &jobRepository{store: s}
}

// RateLimits returns the rate limit bucket repository implementation
func (s *Store) RateLimits() repository.RateLimitRepository {
	return &rateLimitRepository{store: s}
}

// Settings returns the tenant settings repository implementation
func (s *Store) Settings() repository.SettingsRepository {
	return &settingsRepository{store: s}
}
