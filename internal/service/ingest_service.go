package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/jobqueue"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/ratelimit"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/webhook"
)

// JobTypeProcessEvent is the queue job type for deferred event processing.
const JobTypeProcessEvent = "webhook.process"

// ProcessEventPayload is the job payload: processing travels by event ID,
// the stored event row is the source of truth.
type ProcessEventPayload struct {
	EventID string `json:"event_id"`
}

// RateLimitError is returned by Ingest when the caller is over its window
// budget. It carries the limiter verdict so the transport can answer with
// reset and retry-after hints.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Result.RetryAfter)
}

// IngestResult reports an accepted delivery.
type IngestResult struct {
	EventID   uuid.UUID
	Duplicate bool
}

// IngestRequest is one raw webhook delivery.
type IngestRequest struct {
	TenantID   string
	Identifier string // rate limit key: tenant or caller address
	Body       []byte
	Signature  string
	Timestamp  string
}

// IngestService is the webhook front door: rate limit, authenticate, parse,
// persist exactly once, and hand the event to the queue. The HTTP response
// depends only on durable persistence; processing happens asynchronously.
type IngestService struct {
	validator *webhook.Validator
	limiter   *ratelimit.Limiter
	events    repository.EventRepository
	queue     *jobqueue.Queue

	window      time.Duration
	maxRequests int64

	now func() time.Time
}

// NewIngestService creates the ingestion front door.
func NewIngestService(
	validator *webhook.Validator,
	limiter *ratelimit.Limiter,
	eventRepo repository.EventRepository,
	queue *jobqueue.Queue,
	window time.Duration,
	maxRequests int64,
) *IngestService {
	return &IngestService{
		validator:   validator,
		limiter:     limiter,
		events:      eventRepo,
		queue:       queue,
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// WithNow overrides the clock. Used by tests.
func (s *IngestService) WithNow(now func() time.Time) *IngestService {
	s.now = now
	return s
}

// Ingest handles one delivery. Returns a RateLimitError, domain.AuthError or
// domain.ValidationError for rejected deliveries; a duplicate delivery is an
// accepted no-op reporting the original event's ID.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	verdict := s.limiter.Check(ctx, req.Identifier, s.window, s.maxRequests)
	if !verdict.Allowed {
		metrics.RateLimitDenied.WithLabelValues(req.TenantID).Inc()
		metrics.WebhookRejected.WithLabelValues("rate_limited").Inc()
		return nil, &RateLimitError{Result: verdict}
	}

	if err := s.validator.Verify(req.Body, req.Signature, req.Timestamp); err != nil {
		metrics.WebhookRejected.WithLabelValues("auth").Inc()
		return nil, err
	}

	receivedAt := s.now()
	envelope, err := webhook.ParseEnvelope(req.Body, receivedAt)
	if err != nil {
		metrics.WebhookRejected.WithLabelValues("malformed").Inc()
		return nil, err
	}

	// Best-effort denormalization for queries; processing re-reads the payload.
	membershipID := ""
	if data, dataErr := webhook.NormalizeEventData(envelope.Data); dataErr == nil {
		membershipID = data.MembershipID
	}

	event := &domain.Event{
		ID:           uuid.New(),
		ExternalID:   envelope.ExternalID,
		TenantID:     req.TenantID,
		Type:         envelope.Type,
		MembershipID: membershipID,
		Payload:      req.Body,
		OccurredAt:   envelope.OccurredAt,
		ReceivedAt:   receivedAt,
	}

	inserted, err := s.events.InsertIgnore(ctx, event)
	if err != nil {
		metrics.WebhookRejected.WithLabelValues("storage").Inc()
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	if !inserted {
		metrics.WebhookDuplicate.Inc()
		metrics.WebhookReceived.WithLabelValues(req.TenantID, "duplicate").Inc()

		existing, getErr := s.events.GetByExternalID(ctx, req.TenantID, envelope.ExternalID)
		if getErr != nil {
			log.Warn(ctx, "duplicate delivery but original event not readable",
				zap.String("external_id", envelope.ExternalID), zap.Error(getErr))
			return &IngestResult{Duplicate: true}, nil
		}
		return &IngestResult{EventID: existing.ID, Duplicate: true}, nil
	}

	if _, err := s.queue.Enqueue(ctx, req.TenantID, JobTypeProcessEvent, ProcessEventPayload{EventID: event.ID.String()}); err != nil {
		// The event is durably stored; ReenqueueUnprocessed picks it up.
		log.Error(ctx, "failed to enqueue processing job",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}

	metrics.WebhookReceived.WithLabelValues(req.TenantID, "accepted").Inc()
	log.Info(ctx, "webhook accepted",
		zap.String("event_id", event.ID.String()),
		zap.String("external_id", event.ExternalID),
		zap.String("event_type", string(event.Type)))

	return &IngestResult{EventID: event.ID}, nil
}

// ReenqueueUnprocessed re-queues processing jobs for events that were stored
// but never processed, typically because the original enqueue failed or the
// job was dead-lettered. Processing is idempotent, so re-queueing an event
// whose job is merely slow is harmless.
func (s *IngestService) ReenqueueUnprocessed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.events.ListUnprocessed(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed events: %w", err)
	}

	requeued := 0
	for _, event := range stale {
		_, err := s.queue.Enqueue(ctx, event.TenantID, JobTypeProcessEvent, ProcessEventPayload{EventID: event.ID.String()})
		if err != nil {
			log.Warn(ctx, "failed to re-enqueue stale event",
				zap.String("event_id", event.ID.String()), zap.Error(err))
			continue
		}
		requeued++
	}

	if requeued > 0 {
		log.Info(ctx, "re-enqueued stale events", zap.Int("count", requeued))
	}
	return requeued, nil
}
