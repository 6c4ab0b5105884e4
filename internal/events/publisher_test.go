package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/domain"
)

func TestKafkaPublisherPublish(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)

	var captured []byte
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		var err error
		captured, err = msg.Value.Encode()
		return err
	})

	p := NewKafkaPublisherWithProducer(producer, "recovery-events", zap.NewNop())
	defer p.Close()

	event := NewEvent(TypeCaseOpened, "acme", map[string]interface{}{"case_id": "c1"})
	require.NoError(t, p.Publish(context.Background(), event))

	var got Event
	require.NoError(t, json.Unmarshal(captured, &got))
	assert.Equal(t, TypeCaseOpened, got.Type)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "c1", got.Data["case_id"])
}

func TestKafkaPublisherSendFailure(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "recovery-events", zap.NewNop())
	defer p.Close()

	err := p.Publish(context.Background(), NewEvent(TypeCaseMerged, "acme", nil))
	assert.Error(t, err)
}

func TestCaseEventPayload(t *testing.T) {
	amount := int64(4999)
	c := &domain.RecoveryCase{
		ID:              uuid.New(),
		TenantID:        "acme",
		MembershipID:    "mem_1",
		UserID:          "user_1",
		Status:          domain.CaseStatusRecovered,
		Attempts:        2,
		RecoveredAmount: &amount,
	}

	event := CaseEvent(TypeCaseRecovered, c)
	assert.Equal(t, "acme", event.TenantID)
	assert.Equal(t, "mem_1", event.Data["membership_id"])
	assert.Equal(t, 2, event.Data["attempts"])
	assert.Equal(t, amount, event.Data["recovered_amount_cents"])
}
