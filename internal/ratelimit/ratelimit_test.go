package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/repository/memory"
)

func TestLimiter_SameWindowSharesBucket(t *testing.T) {
	store := memory.NewStore()
	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	now := base
	limiter := New(store.RateLimits(), false, zap.NewNop()).WithNow(func() time.Time { return now })

	window := time.Minute
	res := limiter.Check(context.Background(), "client-a", window, 3)
	if !res.Allowed {
		t.Fatalf("first request should be allowed")
	}
	if res.Remaining != 2 {
		t.Errorf("expected remaining 2, got %d", res.Remaining)
	}

	// One second later, same fixed window: counts accumulate.
	now = base.Add(time.Second)
	res = limiter.Check(context.Background(), "client-a", window, 3)
	if !res.Allowed {
		t.Fatalf("second request should be allowed")
	}
	if res.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", res.Remaining)
	}

	windowStart := base.Truncate(window)
	if got := store.BucketCount("client-a", windowStart); got != 2 {
		t.Errorf("expected one shared bucket with count 2, got %d", got)
	}
}

func TestLimiter_DeniesOverMax(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	limiter := New(store.RateLimits(), false, zap.NewNop()).WithNow(func() time.Time { return now })

	window := time.Minute
	for i := 0; i < 2; i++ {
		if res := limiter.Check(context.Background(), "client-b", window, 2); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res := limiter.Check(context.Background(), "client-b", window, 2)
	if res.Allowed {
		t.Fatal("third request should be denied")
	}
	wantReset := now.Truncate(window).Add(window)
	if !res.ResetAt.Equal(wantReset) {
		t.Errorf("expected reset at %v, got %v", wantReset, res.ResetAt)
	}
	if res.RetryAfter != wantReset.Sub(now) {
		t.Errorf("expected retry after %v, got %v", wantReset.Sub(now), res.RetryAfter)
	}
}

func TestLimiter_FreshBucketAfterBoundary(t *testing.T) {
	store := memory.NewStore()
	base := time.Date(2026, 3, 1, 10, 0, 59, 0, time.UTC)
	now := base
	limiter := New(store.RateLimits(), false, zap.NewNop()).WithNow(func() time.Time { return now })

	window := time.Minute
	limiter.Check(context.Background(), "client-c", window, 5)

	// Just after the boundary: a fresh bucket whose ResetAt is the next
	// boundary, not "window from now".
	now = time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	res := limiter.Check(context.Background(), "client-c", window, 5)
	if !res.Allowed {
		t.Fatal("request in fresh window should be allowed")
	}
	if res.Remaining != 4 {
		t.Errorf("fresh bucket should start from zero, remaining %d", res.Remaining)
	}
	wantReset := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	if !res.ResetAt.Equal(wantReset) {
		t.Errorf("expected reset at %v, got %v", wantReset, res.ResetAt)
	}

	// The expired bucket was cleaned up, the current one survived.
	if got := store.BucketCount("client-c", base.Truncate(window)); got != 0 {
		t.Errorf("expired bucket should be deleted, count %d", got)
	}
	if got := store.BucketCount("client-c", now.Truncate(window)); got != 1 {
		t.Errorf("current bucket should survive cleanup, count %d", got)
	}
}

func TestLimiter_FailClosedOnStoreError(t *testing.T) {
	store := memory.NewStore()
	store.FailIncrements(errors.New("connection refused"))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	closed := New(store.RateLimits(), true, zap.NewNop()).WithNow(func() time.Time { return now })
	if res := closed.Check(context.Background(), "client-d", time.Minute, 10); res.Allowed {
		t.Error("production posture should fail closed on store error")
	}

	open := New(store.RateLimits(), false, zap.NewNop()).WithNow(func() time.Time { return now })
	if res := open.Check(context.Background(), "client-d", time.Minute, 10); !res.Allowed {
		t.Error("development posture should fail open on store error")
	}
}
