package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/repository"
)

func failureAt(membershipID string, at time.Time) FailureSignal {
	return FailureSignal{
		MembershipID: membershipID,
		UserID:       "user_1",
		Reason:       "card_declined",
		OccurredAt:   at,
	}
}

func TestHandleFailureOpensCase(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusOpen, c.Status)
	assert.Equal(t, 0, c.Attempts)
	assert.Equal(t, "card_declined", c.FailureReason)
	assert.Equal(t, f.now, c.FirstFailedAt)

	// First contact fans out to both channels.
	assert.Equal(t, 1, f.client.pushCount())
	assert.Equal(t, 1, f.client.dmCount())
}

func TestHandleFailureMergesRepeatIntoOpenCase(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	firstFailure := f.now

	f.advance(24 * time.Hour)
	signal := failureAt("mem_1", f.now)
	signal.Reason = "insufficient_funds"
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", signal))

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, "insufficient_funds", c.FailureReason)
	// The window anchor never moves on merge.
	assert.Equal(t, firstFailure, c.FirstFailedAt)

	assert.Equal(t, 1, f.store.CountCases())
	assert.Equal(t, 2, f.client.pushCount())
	// The DM channel is first-contact only; merges push.
	assert.Equal(t, 1, f.client.dmCount())
}

func TestHandleFailureGrantsIncentiveOnFirstContactOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.configure(&domain.TenantSettings{
		TenantID:              "acme",
		AttributionWindowDays: 30,
		IncentiveDays:         3,
		ReminderOffsetsDays:   []int{0, 2, 4},
	})

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	require.Equal(t, 1, f.client.extendCount())
	assert.Equal(t, extendCall{"mem_1", 3}, f.client.extendCalls[0])

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.IncentiveDays)

	// Repeat failures never re-grant.
	f.advance(time.Hour)
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	assert.Equal(t, 1, f.client.extendCount())
}

func TestHandleFailureNoIncentiveWhenUnconfigured(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	assert.Equal(t, 0, f.client.extendCount())
}

func TestHandleRecoveryInsideWindow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))

	f.advance(5 * 24 * time.Hour)
	amount := int64(4999)
	outcome, err := f.cases.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		AmountCents:  &amount,
		OccurredAt:   f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRecovered, outcome)

	_, err = f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHandleRecoveryAtWindowBoundaryCounts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	firstFailure := f.now
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", firstFailure)))

	// Exactly 30 days after the first failure is still inside the window.
	outcome, err := f.cases.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		OccurredAt:   firstFailure.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRecovered, outcome)
}

func TestHandleRecoveryOutsideWindowLeavesCaseOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	firstFailure := f.now
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", firstFailure)))

	outcome, err := f.cases.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		OccurredAt:   firstFailure.AddDate(0, 0, 30).Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOutsideWindow, outcome)

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusOpen, c.Status)
}

func TestHandleRecoveryWithoutOpenCase(t *testing.T) {
	f := newFixture()

	outcome, err := f.cases.HandleRecovery(context.Background(), "acme", RecoverySignal{
		MembershipID: "mem_unknown",
		OccurredAt:   f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoOpenCase, outcome)
}

// staleOpenRepo serves a snapshot taken before a concurrent resolution, so
// the conditional write underneath must refuse to re-apply.
type staleOpenRepo struct {
	repository.CaseRepository
	stale *domain.RecoveryCase
}

func (r *staleOpenRepo) GetOpen(ctx context.Context, tenantID, membershipID string) (*domain.RecoveryCase, error) {
	return r.stale, nil
}

func TestHandleRecoveryRaceReportsAlreadyResolved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)

	// Another worker resolves the case between our read and our write.
	applied, err := f.store.Cases().MarkRecovered(ctx, c.ID, nil, f.now)
	require.NoError(t, err)
	require.True(t, applied)

	racing := NewCaseService(
		&staleOpenRepo{CaseRepository: f.store.Cases(), stale: c},
		f.client, events.NoopPublisher{}, f.settings,
		NewIncentiveService(f.store.Cases(), f.client, events.NoopPublisher{}),
	).WithNow(f.clock)

	outcome, err := racing.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		OccurredAt:   f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyResolved, outcome)
}

func TestHandleFailureRequiresMembershipID(t *testing.T) {
	f := newFixture()

	err := f.cases.HandleFailure(context.Background(), "acme", FailureSignal{OccurredAt: f.now})
	assert.True(t, domain.IsValidationError(err))
}

func TestFullRecoveryScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.configure(&domain.TenantSettings{
		TenantID:              "acme",
		AttributionWindowDays: 30,
		IncentiveDays:         2,
		ReminderOffsetsDays:   []int{0, 2, 4},
	})

	// Day 0: payment fails, case opens, member nudged and incentivized.
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))

	// Day 1: retry fails again, merged into the same case.
	f.advance(24 * time.Hour)
	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, 1, f.store.CountCases())
	assert.Equal(t, 1, f.client.extendCount())

	// Day 3: the member pays.
	f.advance(2 * 24 * time.Hour)
	amount := int64(2999)
	outcome, err := f.cases.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		AmountCents:  &amount,
		OccurredAt:   f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRecovered, outcome)

	recovered, err := f.store.Cases().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusRecovered, recovered.Status)
	require.NotNil(t, recovered.RecoveredAmount)
	assert.Equal(t, amount, *recovered.RecoveredAmount)
	require.NotNil(t, recovered.RecoveredAt)
	assert.Equal(t, f.now, *recovered.RecoveredAt)

	// A second success for the same membership finds nothing to resolve.
	outcome, err = f.cases.HandleRecovery(ctx, "acme", RecoverySignal{
		MembershipID: "mem_1",
		OccurredAt:   f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoOpenCase, outcome)
}
