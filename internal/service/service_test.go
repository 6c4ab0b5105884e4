package service

import (
	"context"
	"sync"
	"time"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/repository/memory"
	"github.com/revive-app/recoveryservice/internal/settings"
)

// fakeClient records platform calls and optionally fails them.
type fakeClient struct {
	mu sync.Mutex

	extendCalls []extendCall
	pushCalls   []string
	dmCalls     []string

	extendErr error
	pushErr   error
	dmErr     error
}

type extendCall struct {
	membershipID string
	days         int
}

func (f *fakeClient) ExtendMembership(ctx context.Context, membershipID string, days int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extendErr != nil {
		return f.extendErr
	}
	f.extendCalls = append(f.extendCalls, extendCall{membershipID, days})
	return nil
}

func (f *fakeClient) SendPush(ctx context.Context, userID, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushCalls = append(f.pushCalls, userID)
	return nil
}

func (f *fakeClient) SendDirectMessage(ctx context.Context, userID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dmCalls = append(f.dmCalls, userID)
	return nil
}

func (f *fakeClient) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extendCalls)
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushCalls)
}

func (f *fakeClient) dmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dmCalls)
}

// fixture wires the service layer against the in-memory store.
type fixture struct {
	store    *memory.Store
	client   *fakeClient
	cases    *CaseService
	settings *settings.Provider
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:  memory.NewStore(),
		client: &fakeClient{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.settings = settings.NewProvider(f.store.Settings(), nil, time.Minute).
		WithNow(f.clock)
	incentives := NewIncentiveService(f.store.Cases(), f.client, events.NoopPublisher{})
	f.cases = NewCaseService(f.store.Cases(), f.client, events.NoopPublisher{}, f.settings, incentives).
		WithNow(f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) configure(s *domain.TenantSettings) {
	_ = f.settings.Update(context.Background(), s)
}
