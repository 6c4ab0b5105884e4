package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/repository"
)

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a fixed-bucket rate limiter backed by the relational store. The
// current window's start is the floor of now to the window size, never a
// sliding value, so reset times are predictable.
type Limiter struct {
	repo       repository.RateLimitRepository
	failClosed bool
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a limiter. failClosed selects the behavior on a backing-store
// error: deny in a production posture, allow otherwise.
func New(repo repository.RateLimitRepository, failClosed bool, logger *zap.Logger) *Limiter {
	return &Limiter{
		repo:       repo,
		failClosed: failClosed,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNow overrides the limiter's clock. Test hook.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts a request against the (identifier, current window) bucket and
// compares the post-increment count with max. ResetAt is always the start of
// the next bucket.
func (l *Limiter) Check(ctx context.Context, identifier string, window time.Duration, max int64) Result {
	now := l.now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)

	// Expired buckets go opportunistically; strictly-before keeps the
	// current bucket alive.
	if err := l.repo.DeleteExpired(ctx, identifier, windowStart); err != nil {
		log.Warn(ctx, "Failed to clean up expired rate limit buckets",
			zap.Error(err),
			zap.String("identifier", identifier))
	}

	count, err := l.repo.Increment(ctx, identifier, windowStart)
	if err != nil {
		log.Error(ctx, "Rate limit store unavailable",
			zap.Error(err),
			zap.String("identifier", identifier),
			zap.Bool("fail_closed", l.failClosed))
		if l.failClosed {
			return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
		}
		return Result{Allowed: true, Remaining: max, ResetAt: resetAt}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}

	if count > max {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}
