package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
)

// Lifecycle event types emitted on the recovery topic.
const (
	TypeCaseOpened       = "recovery.case_opened"
	TypeCaseMerged       = "recovery.case_merged"
	TypeCaseRecovered    = "recovery.case_recovered"
	TypeIncentiveGranted = "recovery.incentive_granted"
	TypeReminderSent     = "recovery.reminder_sent"
	TypeJobDeadLettered  = "recovery.job_dead_lettered"
)

// Event is the envelope written to the recovery lifecycle topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
	Version   int                    `json:"version"`
}

// NewEvent creates a lifecycle event envelope.
func NewEvent(eventType, tenantID string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		Data:      data,
		Timestamp: time.Now().Unix(),
		Version:   1,
	}
}

// Publisher defines the interface for publishing lifecycle events
type Publisher interface {
	// Publish publishes an event
	Publish(ctx context.Context, event *Event) error

	// Close closes the publisher
	Close() error
}

// CaseEvent builds the standard payload for a recovery-case transition.
func CaseEvent(eventType string, c *domain.RecoveryCase) *Event {
	data := map[string]interface{}{
		"case_id":       c.ID.String(),
		"membership_id": c.MembershipID,
		"user_id":       c.UserID,
		"status":        string(c.Status),
		"attempts":      c.Attempts,
	}
	if c.RecoveredAmount != nil {
		data["recovered_amount_cents"] = *c.RecoveredAmount
	}
	return NewEvent(eventType, c.TenantID, data)
}

// KafkaPublisher publishes lifecycle events to a Kafka topic, keyed by
// tenant so a tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher creates a Kafka publisher with a synchronous producer.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}, nil
}

// NewKafkaPublisherWithProducer wraps an existing producer. Used by tests.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish publishes an event
func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TenantID),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	p.logger.Debug("published lifecycle event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the publisher
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NoopPublisher discards events. Used when Kafka is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event *Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
