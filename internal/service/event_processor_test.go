package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/repository"
)

func storeEvent(t *testing.T, f *fixture, eventType domain.EventType, data string) *domain.Event {
	t.Helper()

	event := &domain.Event{
		ID:         uuid.New(),
		ExternalID: "evt_" + uuid.New().String(),
		TenantID:   "acme",
		Type:       eventType,
		Payload:    json.RawMessage(`{"id":"x","type":"` + string(eventType) + `","data":` + data + `}`),
		OccurredAt: f.now,
		ReceivedAt: f.now,
	}
	inserted, err := f.store.Events().InsertIgnore(context.Background(), event)
	require.NoError(t, err)
	require.True(t, inserted)
	return event
}

func newProcessor(f *fixture) *Processor {
	return NewProcessor(f.store.Events(), f.cases).WithNow(f.clock)
}

func TestProcessFailureEventOpensCase(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	event := storeEvent(t, f, domain.EventTypePaymentFailed,
		`{"membership_id":"mem_1","user_id":"user_1","failure_reason":"card_declined"}`)

	require.NoError(t, p.ProcessByID(ctx, event.ID))

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "card_declined", c.FailureReason)

	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessedAt)
}

func TestProcessSuccessEventResolvesCase(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	require.NoError(t, f.cases.HandleFailure(ctx, "acme", failureAt("mem_1", f.now)))
	open, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)

	f.advance(24 * time.Hour)
	event := storeEvent(t, f, domain.EventTypePaymentSucceeded,
		`{"membership_id":"mem_1","amount_cents":1999}`)

	require.NoError(t, p.Process(ctx, event))

	c, err := f.store.Cases().GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusRecovered, c.Status)
	require.NotNil(t, c.RecoveredAmount)
	assert.Equal(t, int64(1999), *c.RecoveredAmount)
}

func TestProcessUnknownTypeIsBenign(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	event := storeEvent(t, f, domain.EventType("app_installed"), `{}`)

	require.NoError(t, p.Process(ctx, event))

	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 0, f.store.CountCases())
}

func TestProcessMalformedDataIsNotRetriedForever(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	// No membership ID anywhere: the event can never produce a case.
	event := storeEvent(t, f, domain.EventTypePaymentFailed, `{"user_id":"user_1"}`)

	require.NoError(t, p.Process(ctx, event))

	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 0, f.store.CountCases())
}

func TestProcessStringEncodedDataBlock(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	// Some platforms double-encode the data block as a JSON string.
	event := storeEvent(t, f, domain.EventTypeMembershipInvalid,
		`"{\"membership\":\"mem_9\",\"user\":\"user_9\",\"reason\":\"expired_card\"}"`)

	require.NoError(t, p.Process(ctx, event))

	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_9")
	require.NoError(t, err)
	assert.Equal(t, "expired_card", c.FailureReason)
	assert.Equal(t, "user_9", c.UserID)
}

func TestProcessRedeliveredEventMutatesCaseOnce(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	event := storeEvent(t, f, domain.EventTypePaymentFailed,
		`{"membership_id":"mem_1","user_id":"user_1","failure_reason":"card_declined"}`)

	// Two workers hold stale copies of the same stored row, as happens when
	// the re-enqueue sweep races the original processing job. Only the claim
	// winner may touch the case.
	first := *event
	second := *event

	var wg sync.WaitGroup
	for _, ev := range []*domain.Event{&first, &second} {
		wg.Add(1)
		go func(e *domain.Event) {
			defer wg.Done()
			_ = p.Process(ctx, e)
		}(ev)
	}
	wg.Wait()

	require.Equal(t, 1, f.store.CountCases())
	c, err := f.store.Cases().GetOpen(ctx, "acme", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Attempts, "redelivery must not merge into the case")
	assert.Equal(t, 1, f.client.pushCount(), "redelivery must not nudge again")
}

// failingOpenRepo injects a store error so handler failure paths can be
// driven from a test.
type failingOpenRepo struct {
	repository.CaseRepository
	err error
}

func (r *failingOpenRepo) GetOpen(ctx context.Context, tenantID, membershipID string) (*domain.RecoveryCase, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.CaseRepository.GetOpen(ctx, tenantID, membershipID)
}

func TestProcessFailedHandlerReleasesClaim(t *testing.T) {
	f := newFixture()
	failing := &failingOpenRepo{CaseRepository: f.store.Cases(), err: errors.New("store unavailable")}
	incentives := NewIncentiveService(f.store.Cases(), f.client, events.NoopPublisher{})
	cases := NewCaseService(failing, f.client, events.NoopPublisher{}, f.settings, incentives).
		WithNow(f.clock)
	p := NewProcessor(f.store.Events(), cases).WithNow(f.clock)
	ctx := context.Background()

	event := storeEvent(t, f, domain.EventTypePaymentFailed,
		`{"membership_id":"mem_1","user_id":"user_1"}`)

	require.Error(t, p.Process(ctx, event))

	// The claim is released on failure, so the retry and the re-enqueue
	// sweep can both see the event again.
	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)

	failing.err = nil
	require.NoError(t, p.ProcessByID(ctx, event.ID))
	assert.Equal(t, 1, f.store.CountCases())
}

func TestProcessAlreadyProcessedEventIsNoop(t *testing.T) {
	f := newFixture()
	p := newProcessor(f)
	ctx := context.Background()

	event := storeEvent(t, f, domain.EventTypePaymentFailed,
		`{"membership_id":"mem_1","user_id":"user_1"}`)

	require.NoError(t, p.Process(ctx, event))
	require.Equal(t, 1, f.store.CountCases())
	pushes := f.client.pushCount()

	// Redelivery of the processed row does nothing.
	stored, err := f.store.Events().GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, stored))

	assert.Equal(t, pushes, f.client.pushCount())
}
