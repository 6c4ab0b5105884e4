package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/webhook"
)

// Processor routes persisted webhook events to the case lifecycle. Events
// are processed at-least-once; every downstream transition is idempotent, so
// redelivery is harmless.
type Processor struct {
	events repository.EventRepository
	cases  *CaseService
	now    func() time.Time
}

// NewProcessor creates an event processor.
func NewProcessor(eventRepo repository.EventRepository, cases *CaseService) *Processor {
	return &Processor{events: eventRepo, cases: cases, now: time.Now}
}

// WithNow overrides the clock. Used by tests.
func (p *Processor) WithNow(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessByID loads a stored event and processes it. The entry point for
// queued work, where only the event ID travels in the job payload.
func (p *Processor) ProcessByID(ctx context.Context, id uuid.UUID) error {
	event, err := p.events.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load event %s: %w", id, err)
	}
	return p.Process(ctx, event)
}

// Process routes one event. Unknown event types and permanently malformed
// payloads are logged and marked processed rather than retried: they can
// never succeed, and redelivering them forever helps nobody.
//
// The processed flag is claimed with a conditional flip before any case
// mutation, so a redelivered job for the same stored event cannot merge into
// a case or nudge the member a second time. A failed handler releases the
// claim so the retry can re-run.
func (p *Processor) Process(ctx context.Context, event *domain.Event) error {
	if event.Processed {
		return nil
	}

	ctx = log.WithTenantID(log.WithEventID(ctx, event.ID.String()), event.TenantID)

	claimed, err := p.events.MarkProcessed(ctx, event.ID, p.now())
	if err != nil {
		return fmt.Errorf("failed to claim event: %w", err)
	}
	if !claimed {
		// Another worker owns or already finished this delivery.
		return nil
	}

	if err := p.route(ctx, event); err != nil {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), "error").Inc()
		if relErr := p.events.MarkUnprocessed(ctx, event.ID); relErr != nil {
			log.Error(ctx, "failed to release event claim after handler error",
				zap.Error(relErr))
		}
		return err
	}

	metrics.EventsProcessed.WithLabelValues(string(event.Type), "processed").Inc()
	return nil
}

func (p *Processor) route(ctx context.Context, event *domain.Event) error {
	switch {
	case event.Type.IsFailureSignal():
		return p.processFailure(ctx, event)
	case event.Type.IsSuccessSignal():
		return p.processSuccess(ctx, event)
	default:
		log.Info(ctx, "ignoring unhandled event type",
			zap.String("event_type", string(event.Type)))
		metrics.EventsProcessed.WithLabelValues(string(event.Type), "ignored").Inc()
		return nil
	}
}

func (p *Processor) processFailure(ctx context.Context, event *domain.Event) error {
	data, err := normalizePayload(event)
	if err != nil || data.MembershipID == "" {
		log.Warn(ctx, "failure event has no usable membership data, skipping",
			zap.String("external_id", event.ExternalID))
		return nil
	}

	reason := data.Reason
	if reason == "" {
		reason = string(event.Type)
	}

	return p.cases.HandleFailure(ctx, event.TenantID, FailureSignal{
		MembershipID: data.MembershipID,
		UserID:       data.UserID,
		Reason:       reason,
		OccurredAt:   event.OccurredAt,
	})
}

func (p *Processor) processSuccess(ctx context.Context, event *domain.Event) error {
	data, err := normalizePayload(event)
	if err != nil || data.MembershipID == "" {
		log.Warn(ctx, "success event has no usable membership data, skipping",
			zap.String("external_id", event.ExternalID))
		return nil
	}

	outcome, err := p.cases.HandleRecovery(ctx, event.TenantID, RecoverySignal{
		MembershipID: data.MembershipID,
		AmountCents:  data.AmountCents,
		OccurredAt:   event.OccurredAt,
	})
	if err != nil {
		return err
	}

	log.Info(ctx, "recovery attribution evaluated",
		zap.String("membership_id", data.MembershipID),
		zap.String("outcome", string(outcome)))
	return nil
}

// normalizePayload re-parses the stored raw body and normalizes its data
// block. The stored payload is the delivery exactly as received.
func normalizePayload(event *domain.Event) (*webhook.EventData, error) {
	envelope, err := webhook.ParseEnvelope(event.Payload, event.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return webhook.NormalizeEventData(envelope.Data)
}
