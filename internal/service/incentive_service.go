package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/memberapi"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/retry"
)

// IncentiveService grants free membership days as a win-back incentive. A
// case carries at most one grant; the grant is recorded with a conditional
// write so redelivered events cannot double-extend a membership.
type IncentiveService struct {
	cases     repository.CaseRepository
	client    memberapi.Client
	publisher events.Publisher
	retryCfg  retry.Config
}

// NewIncentiveService creates an incentive service.
func NewIncentiveService(cases repository.CaseRepository, client memberapi.Client, publisher events.Publisher) *IncentiveService {
	return &IncentiveService{
		cases:     cases,
		client:    client,
		publisher: publisher,
		retryCfg:  retry.DefaultConfig(),
	}
}

// Grant extends the membership by days and records the grant on the case.
// A zero-day configuration or an already-granted case is a no-op.
func (s *IncentiveService) Grant(ctx context.Context, c *domain.RecoveryCase, days int) error {
	if days <= 0 {
		return nil
	}
	if c.IncentiveDays != 0 {
		return nil
	}

	err := retry.Do(ctx, s.retryCfg, log.L(ctx), func() error {
		return s.client.ExtendMembership(ctx, c.MembershipID, days)
	})
	metrics.RecordMemberAPICall("extend_membership", err)
	if err != nil {
		return fmt.Errorf("failed to extend membership %s: %w", c.MembershipID, err)
	}

	applied, err := s.cases.RecordIncentive(ctx, c.ID, days)
	if err != nil {
		return fmt.Errorf("failed to record incentive: %w", err)
	}
	if !applied {
		// A concurrent grant won the write; the platform call above was a
		// duplicate extension we cannot take back, so make it visible.
		log.Warn(ctx, "incentive already recorded for case",
			zap.String("case_id", c.ID.String()))
		return nil
	}

	metrics.IncentivesGranted.WithLabelValues(c.TenantID).Inc()
	log.Info(ctx, "incentive granted",
		zap.String("case_id", c.ID.String()),
		zap.String("membership_id", c.MembershipID),
		zap.Int("days", days))

	event := events.NewEvent(events.TypeIncentiveGranted, c.TenantID, map[string]interface{}{
		"case_id":       c.ID.String(),
		"membership_id": c.MembershipID,
		"days":          days,
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn(ctx, "failed to publish incentive event", zap.Error(err))
	}
	return nil
}
