package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/revive-app/recoveryservice/internal/domain"
)

func TestParseEnvelope_IDAliases(t *testing.T) {
	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	env, err := ParseEnvelope([]byte(`{"id":"evt_1","type":"payment_failed"}`), received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.ExternalID != "evt_1" {
		t.Errorf("expected evt_1, got %s", env.ExternalID)
	}

	env, err = ParseEnvelope([]byte(`{"whop_event_id":"evt_2","type":"payment_failed"}`), received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.ExternalID != "evt_2" {
		t.Errorf("expected evt_2, got %s", env.ExternalID)
	}
}

func TestParseEnvelope_RejectsMissingFields(t *testing.T) {
	received := time.Now()
	cases := []struct {
		name    string
		payload string
	}{
		{"malformed JSON", `{"id":`},
		{"missing id", `{"type":"payment_failed"}`},
		{"missing type", `{"id":"evt_1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tc.payload), received)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !domain.IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseEnvelope_OccurredAt(t *testing.T) {
	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// RFC3339 string.
	env, err := ParseEnvelope([]byte(`{"id":"e1","type":"payment_failed","created_at":"2026-02-28T10:30:00Z"}`), received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 2, 28, 10, 30, 0, 0, time.UTC)
	if !env.OccurredAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, env.OccurredAt)
	}

	// Unix seconds.
	env, err = ParseEnvelope([]byte(`{"id":"e2","type":"payment_failed","created_at":1772275800}`), received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.OccurredAt.Unix() != 1772275800 {
		t.Errorf("expected unix 1772275800, got %d", env.OccurredAt.Unix())
	}

	// Absent: receipt time stands in.
	env, err = ParseEnvelope([]byte(`{"id":"e3","type":"payment_failed"}`), received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.OccurredAt.Equal(received) {
		t.Errorf("expected receipt time %v, got %v", received, env.OccurredAt)
	}
}

func TestNormalizeEventData_NestedObject(t *testing.T) {
	raw := json.RawMessage(`{"membership_id":"mem_1","user_id":"user_1","final_amount":49.99,"currency":"usd","failure_reason":"card_declined"}`)
	data, err := NormalizeEventData(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.MembershipID != "mem_1" || data.UserID != "user_1" {
		t.Errorf("unexpected ids: %+v", data)
	}
	if data.AmountCents == nil || *data.AmountCents != 4999 {
		t.Errorf("expected 4999 cents, got %v", data.AmountCents)
	}
	if data.Reason != "card_declined" {
		t.Errorf("expected card_declined, got %s", data.Reason)
	}
}

func TestNormalizeEventData_StringEncodedBlock(t *testing.T) {
	// The platform occasionally double-encodes the data block.
	inner := `{"membership":"mem_2","user":"user_2","amount":10}`
	raw, _ := json.Marshal(inner)

	data, err := NormalizeEventData(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.MembershipID != "mem_2" {
		t.Errorf("expected mem_2 via alias, got %s", data.MembershipID)
	}
	if data.UserID != "user_2" {
		t.Errorf("expected user_2 via alias, got %s", data.UserID)
	}
	if data.AmountCents == nil || *data.AmountCents != 1000 {
		t.Errorf("expected 1000 cents, got %v", data.AmountCents)
	}
}

func TestNormalizeEventData_EmptyAndMalformed(t *testing.T) {
	data, err := NormalizeEventData(nil)
	if err != nil {
		t.Fatalf("empty block should normalize to zero value: %v", err)
	}
	if data.MembershipID != "" || data.AmountCents != nil {
		t.Errorf("expected zero value, got %+v", data)
	}

	if _, err := NormalizeEventData(json.RawMessage(`[1,2,3`)); err == nil {
		t.Error("malformed block should produce an error")
	}
}
