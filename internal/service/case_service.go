package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/memberapi"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/settings"
)

// FailureSignal carries the normalized facts of one failure event.
type FailureSignal struct {
	MembershipID string
	UserID       string
	Reason       string
	OccurredAt   time.Time
}

// RecoverySignal carries the normalized facts of one success event.
type RecoverySignal struct {
	MembershipID string
	AmountCents  *int64
	OccurredAt   time.Time
}

// CaseService owns the recovery case lifecycle: opening and merging cases on
// failure signals, attributing recoveries to success signals, and sending
// nudges. All transitions are conditional writes, so concurrent workers
// racing on the same membership converge without locks.
type CaseService struct {
	cases      repository.CaseRepository
	client     memberapi.Client
	publisher  events.Publisher
	settings   *settings.Provider
	incentives *IncentiveService

	now func() time.Time
}

// NewCaseService creates a case service.
func NewCaseService(
	cases repository.CaseRepository,
	client memberapi.Client,
	publisher events.Publisher,
	settingsProvider *settings.Provider,
	incentives *IncentiveService,
) *CaseService {
	return &CaseService{
		cases:      cases,
		client:     client,
		publisher:  publisher,
		settings:   settingsProvider,
		incentives: incentives,
		now:        time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (s *CaseService) WithNow(now func() time.Time) *CaseService {
	s.now = now
	return s
}

// HandleFailure opens a case for the membership or merges the failure into
// the existing open one. A brand-new case starts at zero attempts; each
// repeat failure increments the counter. The member is nudged immediately
// either way, and a first contact may carry an incentive grant.
func (s *CaseService) HandleFailure(ctx context.Context, tenantID string, signal FailureSignal) error {
	if signal.MembershipID == "" {
		return domain.NewValidationError("failure signal missing membership id")
	}

	// Two passes cover the create/create race: the loser of the insert
	// finds the winner's case on re-read and merges into it.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.cases.GetOpen(ctx, tenantID, signal.MembershipID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up open case: %w", err)
		}

		if err == nil {
			applied, mergeErr := s.cases.MergeFailure(ctx, existing.ID, signal.Reason, s.now())
			if mergeErr != nil {
				return fmt.Errorf("failed to merge failure: %w", mergeErr)
			}
			if !applied {
				// Resolved between read and write; next pass opens fresh.
				continue
			}

			metrics.CasesMerged.WithLabelValues(tenantID).Inc()
			log.Info(ctx, "merged repeat failure into open case",
				zap.String("case_id", existing.ID.String()),
				zap.String("membership_id", signal.MembershipID),
				zap.String("reason", signal.Reason))

			merged, getErr := s.cases.GetByID(ctx, existing.ID)
			if getErr != nil {
				merged = existing
			}
			s.publishCase(ctx, events.TypeCaseMerged, merged)
			s.sendNudge(ctx, merged)
			return nil
		}

		created, createErr := s.openCase(ctx, tenantID, signal)
		if createErr != nil {
			// Likely lost an insert race on the one-open-case constraint;
			// the next pass merges into the winner.
			log.Warn(ctx, "case create failed, retrying as merge",
				zap.String("membership_id", signal.MembershipID),
				zap.Error(createErr))
			continue
		}

		s.publishCase(ctx, events.TypeCaseOpened, created)

		tenantSettings := s.settings.Get(ctx, tenantID)
		if err := s.incentives.Grant(ctx, created, tenantSettings.IncentiveDays); err != nil {
			log.Warn(ctx, "incentive grant failed",
				zap.String("case_id", created.ID.String()), zap.Error(err))
		}

		s.sendNudge(ctx, created)
		s.sendFirstContactDM(ctx, created)
		return nil
	}

	return fmt.Errorf("failed to open or merge case for membership %s", signal.MembershipID)
}

func (s *CaseService) openCase(ctx context.Context, tenantID string, signal FailureSignal) (*domain.RecoveryCase, error) {
	now := s.now()
	c := &domain.RecoveryCase{
		ID:            uuid.New(),
		TenantID:      tenantID,
		MembershipID:  signal.MembershipID,
		UserID:        signal.UserID,
		Status:        domain.CaseStatusOpen,
		FailureReason: signal.Reason,
		Attempts:      0,
		FirstFailedAt: signal.OccurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.cases.Create(ctx, c); err != nil {
		return nil, err
	}

	metrics.CasesOpened.WithLabelValues(tenantID).Inc()
	log.Info(ctx, "opened recovery case",
		zap.String("case_id", c.ID.String()),
		zap.String("membership_id", c.MembershipID),
		zap.String("reason", c.FailureReason))
	return c, nil
}

// HandleRecovery attributes a success signal to the membership's open case.
// The success counts only while the case is inside the tenant's attribution
// window, measured from the first failure; a success landing exactly on the
// boundary still counts.
func (s *CaseService) HandleRecovery(ctx context.Context, tenantID string, signal RecoverySignal) (domain.RecoveryOutcome, error) {
	if signal.MembershipID == "" {
		return "", domain.NewValidationError("recovery signal missing membership id")
	}

	c, err := s.cases.GetOpen(ctx, tenantID, signal.MembershipID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.OutcomeNoOpenCase, nil
		}
		return "", fmt.Errorf("failed to look up open case: %w", err)
	}

	tenantSettings := s.settings.Get(ctx, tenantID)
	deadline := c.FirstFailedAt.AddDate(0, 0, tenantSettings.AttributionWindowDays)
	if signal.OccurredAt.After(deadline) {
		metrics.AttributionRejected.WithLabelValues(tenantID).Inc()
		log.Info(ctx, "success outside attribution window",
			zap.String("case_id", c.ID.String()),
			zap.Time("first_failed_at", c.FirstFailedAt),
			zap.Time("occurred_at", signal.OccurredAt))
		return domain.OutcomeOutsideWindow, nil
	}

	applied, err := s.cases.MarkRecovered(ctx, c.ID, signal.AmountCents, signal.OccurredAt)
	if err != nil {
		return "", fmt.Errorf("failed to mark case recovered: %w", err)
	}
	if !applied {
		return domain.OutcomeAlreadyResolved, nil
	}

	metrics.RecordRecovered(tenantID, signal.AmountCents)
	log.Info(ctx, "recovery case resolved",
		zap.String("case_id", c.ID.String()),
		zap.String("membership_id", c.MembershipID))

	recovered, getErr := s.cases.GetByID(ctx, c.ID)
	if getErr != nil {
		recovered = c
	}
	s.publishCase(ctx, events.TypeCaseRecovered, recovered)
	return domain.OutcomeRecovered, nil
}

// SendNudge pushes a win-back message to the member and stamps the nudge
// time on the case. Delivery failures are logged, never fatal: the case
// state is the source of truth, not the notification.
func (s *CaseService) SendNudge(ctx context.Context, c *domain.RecoveryCase) {
	s.sendNudge(ctx, c)
}

func (s *CaseService) sendNudge(ctx context.Context, c *domain.RecoveryCase) {
	title := "Your membership needs attention"
	body := "A recent payment didn't go through. Update your payment details to keep your membership active."

	err := s.client.SendPush(ctx, c.UserID, title, body)
	metrics.RecordMemberAPICall("send_push", err)
	if err != nil {
		log.Warn(ctx, "nudge push failed",
			zap.String("case_id", c.ID.String()), zap.Error(err))
		metrics.RemindersSent.WithLabelValues(c.TenantID, "failed").Inc()
		return
	}

	if err := s.cases.RecordNudge(ctx, c.ID, s.now()); err != nil {
		log.Warn(ctx, "failed to record nudge time",
			zap.String("case_id", c.ID.String()), zap.Error(err))
	}

	metrics.RemindersSent.WithLabelValues(c.TenantID, "sent").Inc()
	s.publish(ctx, events.NewEvent(events.TypeReminderSent, c.TenantID, map[string]interface{}{
		"case_id": c.ID.String(),
		"user_id": c.UserID,
	}))
}

// sendFirstContactDM fans the opening nudge out to the direct-message
// channel as well. Only the first contact gets both channels; merges and
// scheduled reminders each use a single one.
func (s *CaseService) sendFirstContactDM(ctx context.Context, c *domain.RecoveryCase) {
	msg := "A recent payment for your membership didn't go through. Update your payment details to keep your access active."

	err := s.client.SendDirectMessage(ctx, c.UserID, msg)
	metrics.RecordMemberAPICall("send_dm", err)
	if err != nil {
		log.Warn(ctx, "first contact dm failed",
			zap.String("case_id", c.ID.String()), zap.Error(err))
	}
}

func (s *CaseService) publishCase(ctx context.Context, eventType string, c *domain.RecoveryCase) {
	s.publish(ctx, events.CaseEvent(eventType, c))
}

func (s *CaseService) publish(ctx context.Context, event *events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn(ctx, "failed to publish lifecycle event",
			zap.String("event_type", event.Type), zap.Error(err))
	}
}
