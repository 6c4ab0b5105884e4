package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of webhook event delivered by the
// membership platform.
type EventType string

const (
	EventTypePaymentFailed     EventType = "payment_failed"
	EventTypePaymentSucceeded  EventType = "payment_succeeded"
	EventTypeMembershipInvalid EventType = "membership_invalid"
	EventTypeMembershipValid   EventType = "membership_valid"
)

// IsFailureSignal reports whether the event type starts or extends a
// recovery case.
func (t EventType) IsFailureSignal() bool {
	return t == EventTypePaymentFailed || t == EventTypeMembershipInvalid
}

// IsSuccessSignal reports whether the event type may resolve a recovery case.
func (t EventType) IsSuccessSignal() bool {
	return t == EventTypePaymentSucceeded || t == EventTypeMembershipValid
}

// Event is an immutable record of one inbound webhook delivery. The external
// ID is globally unique; duplicate deliveries are insert-ignore no-ops. Rows
// are never deleted, only the processed flag is flipped.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	ExternalID   string          `json:"external_id"`
	TenantID     string          `json:"tenant_id"`
	Type         EventType       `json:"type"`
	MembershipID string          `json:"membership_id"`
	Payload      json.RawMessage `json:"payload"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Processed    bool            `json:"processed"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// CaseStatus represents the lifecycle state of a recovery case. Transitions
// are one-directional: open -> recovered and open -> closed are terminal.
type CaseStatus string

const (
	CaseStatusOpen      CaseStatus = "open"
	CaseStatusRecovered CaseStatus = "recovered"
	CaseStatusClosed    CaseStatus = "closed"
)

// RecoveryCase is the unit of recovery work for one membership's failure
// episode. At most one case per (tenant, membership) is open at any time;
// repeated failures merge into the open case instead of creating duplicates.
type RecoveryCase struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        string     `json:"tenant_id"`
	MembershipID    string     `json:"membership_id"`
	UserID          string     `json:"user_id"`
	Status          CaseStatus `json:"status"`
	FailureReason   string     `json:"failure_reason"`
	Attempts        int        `json:"attempts"`
	IncentiveDays   int        `json:"incentive_days"`
	FirstFailedAt   time.Time  `json:"first_failed_at"`
	LastNudgeAt     *time.Time `json:"last_nudge_at,omitempty"`
	RecoveredAmount *int64     `json:"recovered_amount,omitempty"` // cents
	RecoveredAt     *time.Time `json:"recovered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the case has left the open state.
func (c *RecoveryCase) IsTerminal() bool {
	return c.Status != CaseStatusOpen
}

// JobStatus represents the state of a queued job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a durable unit of deferred work. A job is retried up to its
// configured ceiling before being marked permanently failed; payloads are
// opaque and handlers must tolerate redelivery.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	RunAt     time.Time       `json:"run_at"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RateLimitBucket is a counter scoped to (identifier, fixed window start).
// The window start is always the floor of "now" to the window size.
type RateLimitBucket struct {
	Identifier  string    `json:"identifier"`
	WindowStart time.Time `json:"window_start"`
	Count       int64     `json:"count"`
}

// TenantSettings carries the per-tenant recovery knobs.
type TenantSettings struct {
	TenantID              string    `json:"tenant_id"`
	AttributionWindowDays int       `json:"attribution_window_days"`
	IncentiveDays         int       `json:"incentive_days"`
	ReminderOffsetsDays   []int     `json:"reminder_offsets_days"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// DefaultTenantSettings returns the settings used for tenants that have not
// configured anything.
func DefaultTenantSettings(tenantID string) *TenantSettings {
	return &TenantSettings{
		TenantID:              tenantID,
		AttributionWindowDays: 30,
		IncentiveDays:         0,
		ReminderOffsetsDays:   []int{0, 2, 4},
	}
}
