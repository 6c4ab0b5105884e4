package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/memberapi"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/settings"
)

// DispatchStats summarizes one reminder batch. Successful and failed always
// add up to processed.
type DispatchStats struct {
	Processed  int
	Successful int
	Failed     int
}

// ReminderService sends scheduled follow-up nudges to members with open
// cases. A case is due when its age since first failure has crossed one of
// the tenant's reminder offsets and no nudge has gone out since.
type ReminderService struct {
	cases       repository.CaseRepository
	client      memberapi.Client
	publisher   events.Publisher
	settings    *settings.Provider
	concurrency int

	now func() time.Time
}

// NewReminderService creates a reminder service. concurrency bounds parallel
// dispatches within a batch.
func NewReminderService(
	cases repository.CaseRepository,
	client memberapi.Client,
	publisher events.Publisher,
	settingsProvider *settings.Provider,
	concurrency int,
) *ReminderService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ReminderService{
		cases:       cases,
		client:      client,
		publisher:   publisher,
		settings:    settingsProvider,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (s *ReminderService) WithNow(now func() time.Time) *ReminderService {
	s.now = now
	return s
}

// CollectDue returns the tenant's open cases that are due a reminder.
func (s *ReminderService) CollectDue(ctx context.Context, tenantID string) ([]*domain.RecoveryCase, error) {
	tenantSettings := s.settings.Get(ctx, tenantID)
	due, err := s.cases.ListOpenDue(ctx, tenantID, tenantSettings.ReminderOffsetsDays, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}
	return due, nil
}

// DispatchBatch sends reminders for the given cases with bounded
// concurrency. A delivery failure counts the case as failed and moves on;
// the next scheduler run retries it.
func (s *ReminderService) DispatchBatch(ctx context.Context, cases []*domain.RecoveryCase) DispatchStats {
	start := s.now()
	stats := DispatchStats{Processed: len(cases)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, c := range cases {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *domain.RecoveryCase) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.dispatch(ctx, c)
			mu.Lock()
			if err != nil {
				stats.Failed++
			} else {
				stats.Successful++
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	metrics.ReminderBatchDuration.Observe(time.Since(start).Seconds())
	return stats
}

// Run collects and dispatches one reminder batch for a tenant.
func (s *ReminderService) Run(ctx context.Context, tenantID string) (DispatchStats, error) {
	due, err := s.CollectDue(ctx, tenantID)
	if err != nil {
		return DispatchStats{}, err
	}
	if len(due) == 0 {
		return DispatchStats{}, nil
	}

	stats := s.DispatchBatch(ctx, due)
	log.Info(ctx, "reminder batch dispatched",
		zap.String("tenant_id", tenantID),
		zap.Int("processed", stats.Processed),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

func (s *ReminderService) dispatch(ctx context.Context, c *domain.RecoveryCase) error {
	message := "Still having trouble with your payment? Update your details and pick up right where you left off."

	if err := s.client.SendDirectMessage(ctx, c.UserID, message); err != nil {
		metrics.RecordMemberAPICall("send_dm", err)
		metrics.RemindersSent.WithLabelValues(c.TenantID, "failed").Inc()
		log.Warn(ctx, "reminder delivery failed",
			zap.String("case_id", c.ID.String()), zap.Error(err))
		return err
	}
	metrics.RecordMemberAPICall("send_dm", nil)

	if err := s.cases.RecordNudge(ctx, c.ID, s.now()); err != nil {
		// The reminder went out; an unstamped nudge only means the next run
		// may nudge again.
		log.Warn(ctx, "failed to record nudge time",
			zap.String("case_id", c.ID.String()), zap.Error(err))
	}

	metrics.RemindersSent.WithLabelValues(c.TenantID, "sent").Inc()

	event := events.NewEvent(events.TypeReminderSent, c.TenantID, map[string]interface{}{
		"case_id": c.ID.String(),
		"user_id": c.UserID,
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn(ctx, "failed to publish reminder event", zap.Error(err))
	}
	return nil
}
