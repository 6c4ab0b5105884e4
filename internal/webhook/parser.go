package webhook

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/revive-app/recoveryservice/internal/domain"
)

// Envelope is the validated outer shape of one webhook delivery.
type Envelope struct {
	ExternalID string
	Type       domain.EventType
	Data       json.RawMessage
	OccurredAt time.Time
}

type rawEnvelope struct {
	ID          string          `json:"id"`
	WhopEventID string          `json:"whop_event_id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   json.RawMessage `json:"created_at"`
}

// ParseEnvelope parses and validates the raw webhook body. The event ID may
// arrive under "id" or "whop_event_id"; when the payload carries no usable
// created_at the receipt time stands in for the occurrence time. Returns a
// domain.ValidationError on malformed JSON or missing required fields.
func ParseEnvelope(payload []byte, receivedAt time.Time) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, domain.NewValidationError("malformed JSON body: %v", err)
	}

	externalID := raw.ID
	if externalID == "" {
		externalID = raw.WhopEventID
	}
	if externalID == "" {
		return nil, domain.NewValidationError("missing event id")
	}
	if raw.Type == "" {
		return nil, domain.NewValidationError("missing event type")
	}

	occurredAt := receivedAt
	if t, ok := parseFlexibleTime(raw.CreatedAt); ok {
		occurredAt = t
	}

	return &Envelope{
		ExternalID: externalID,
		Type:       domain.EventType(raw.Type),
		Data:       raw.Data,
		OccurredAt: occurredAt,
	}, nil
}

// EventData is the canonical typed shape handlers operate on, regardless of
// whether the platform delivered the data block nested, flat, or as a
// JSON-encoded string.
type EventData struct {
	MembershipID string
	UserID       string
	AmountCents  *int64
	Currency     string
	Reason       string
}

// NormalizeEventData turns the raw data block into the canonical EventData.
// A data block that is itself a JSON string is unwrapped and re-parsed, so
// handlers never see the double-encoded variant.
func NormalizeEventData(raw json.RawMessage) (*EventData, error) {
	if len(raw) == 0 {
		return &EventData{}, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, domain.NewValidationError("malformed string data block: %v", err)
		}
		raw = json.RawMessage(inner)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, domain.NewValidationError("malformed data block: %v", err)
	}

	data := &EventData{
		MembershipID: stringField(fields, "membership_id", "membership"),
		UserID:       stringField(fields, "user_id", "user"),
		Currency:     stringField(fields, "currency"),
		Reason:       stringField(fields, "failure_reason", "reason"),
	}

	if cents, ok := amountField(fields); ok {
		data.AmountCents = &cents
	}

	return data, nil
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// amountField reads the payment amount. "amount_cents" is already integral;
// "final_amount" and "amount" are currency units and scale by 100.
func amountField(fields map[string]any) (int64, bool) {
	if v, ok := fields["amount_cents"].(float64); ok {
		return int64(v), true
	}
	for _, key := range []string{"final_amount", "amount"} {
		if v, ok := fields[key].(float64); ok {
			return int64(math.Round(v * 100)), true
		}
		if s, ok := fields[key].(string); ok {
			var f float64
			if err := json.Unmarshal([]byte(s), &f); err == nil {
				return int64(math.Round(f * 100)), true
			}
		}
	}
	return 0, false
}

// parseFlexibleTime accepts RFC3339 strings and unix-second numbers.
func parseFlexibleTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		return time.Time{}, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}

	return time.Time{}, false
}
