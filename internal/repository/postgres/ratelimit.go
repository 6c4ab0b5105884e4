package postgres

import (
	"context"
	"fmt"
	"time"
)

// rateLimitRepository implements repository.RateLimitRepository
type rateLimitRepository struct {
	store *Store
}

// Increment upserts the (identifier, windowStart) bucket with an atomic
// increment-on-conflict and returns the post-increment count.
func (r *rateLimitRepository) Increment(ctx context.Context, identifier string, windowStart time.Time) (int64, error) {
	var count int64
	err := r.store.db.QueryRow(ctx, `
		INSERT INTO rate_limit_buckets (identifier, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (identifier, window_start)
		DO UPDATE SET count = rate_limit_buckets.count + 1
		RETURNING count`,
		identifier, windowStart,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit bucket: %w", err)
	}
	return count, nil
}

// DeleteExpired removes buckets strictly before the given window start.
// Strict inequality so the current bucket survives its own cleanup.
func (r *rateLimitRepository) DeleteExpired(ctx context.Context, identifier string, before time.Time) error {
	_, err := r.store.db.Exec(ctx, `
		DELETE FROM rate_limit_buckets
		WHERE identifier = $1 AND window_start < $2`, identifier, before)
	if err != nil {
		return fmt.Errorf("failed to delete expired buckets: %w", err)
	}
	return nil
}
