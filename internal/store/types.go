// Package store is the transactional persistence layer over the local
// SQLite database. It exposes typed repository operations and a retry
// wrapper for transient busy/locked conditions (spec §4.5).
//
// All timestamp columns are stored as ISO-8601 UTC strings (spec §3) and
// represented in these structs as plain strings rather than time.Time —
// this keeps sqlx's struct-scanning (StructScan/Get/Select) working
// directly against SQLite's TEXT affinity with no custom sql.Scanner
// plumbing. Callers convert via ParseTime/FormatTime at the domain
// boundary, where actual time arithmetic happens.
//
// By convention, the mutation methods in gateway_writes.go are called
// only from internal/gateway — see the doc comment on that file for the
// structural contract this repo relies on instead of a compiler-enforced
// boundary, and TestGatewayWritesLeaveAuditRows in internal/gateway for the
// compliance check spec §9 calls for.
package store

import (
	"fmt"
	"time"
)

// Lead status / message direction / job type string constants, mirrored
// from spec §3.
const (
	LeadStatusAwaitingYes        = "awaiting_yes"
	LeadStatusAwaitingTimeChoice = "awaiting_time_choice"
	LeadStatusBooked             = "booked"
	LeadStatusOptedOut           = "opted_out"
	LeadStatusNeedsStaff         = "needs_staff"

	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"

	MessageStatusSent     = "sent"
	MessageStatusReceived = "received"
	MessageStatusBlocked  = "blocked"

	AppointmentStatusBooked    = "booked"
	AppointmentStatusCancelled = "cancelled"

	JobTypeInitialFollowUp     = "initial_follow_up"
	JobTypeAppointmentReminder = "appointment_reminder"
	JobTypeSafeReprompt        = "safe_reprompt"

	JobStatusPending   = "pending"
	JobStatusDone      = "done"
	JobStatusCancelled = "cancelled"
	JobStatusFailed    = "failed"

	SettingKillSwitch = "kill_switch"
)

const timeLayout = time.RFC3339Nano

// FormatTime renders t as the ISO-8601 UTC string spec §3 requires.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// FormatTimePtr renders a nullable timestamp, returning nil for a zero value.
func FormatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

// ParseTime parses an ISO-8601 UTC string column back into a time.Time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseTimePtr parses a nullable timestamp column.
func ParseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Location is the singleton location row for this PoC.
type Location struct {
	ID                string `db:"id"`
	GymName           string `db:"gym_name"`
	Timezone          string `db:"timezone"`
	BusinessHoursJSON string `db:"business_hours_json"`
	CreatedAt         string `db:"created_at"`
}

// Lead is a prospective customer identified by phone number.
type Lead struct {
	ID                  string  `db:"id"`
	PhoneE164           string  `db:"phone_e164"`
	FirstName           *string `db:"first_name"`
	LastName            *string `db:"last_name"`
	Consent             bool    `db:"consent"`
	ConsentAt           *string `db:"consent_at"`
	ConsentSource       *string `db:"consent_source"`
	Status              string  `db:"status"`
	OptedOut            bool    `db:"opted_out"`
	NeedsStaffAttention bool    `db:"needs_staff_attention"`
	LastContactAt       *string `db:"last_contact_at"`
	NextActionAt        *string `db:"next_action_at"`
	CreatedAt           string  `db:"created_at"`
}

// Conversation is the per-lead automaton and its history; exactly one per Lead.
type Conversation struct {
	ID             string  `db:"id"`
	LeadID         string  `db:"lead_id"`
	State          string  `db:"state"`
	StateJSON      string  `db:"state_json"`
	LastInboundAt  *string `db:"last_inbound_at"`
	LastOutboundAt *string `db:"last_outbound_at"`
	RepairAttempts int     `db:"repair_attempts"`
	CreatedAt      string  `db:"created_at"`
}

// Message is a single INBOUND or OUTBOUND turn in a conversation.
type Message struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Direction      string `db:"direction"`
	Body           string `db:"body"`
	Status         string `db:"status"`
	CreatedAt      string `db:"created_at"`
}

// Appointment is a booked (or cancelled) 30-minute slot for a Lead.
type Appointment struct {
	ID        string `db:"id"`
	LeadID    string `db:"lead_id"`
	StartAt   string `db:"start_at"`
	EndAt     string `db:"end_at"`
	Status    string `db:"status"`
	CreatedAt string `db:"created_at"`
}

// ScheduledJob is a persisted future action: initial follow-up,
// appointment reminder, or safe reprompt.
type ScheduledJob struct {
	ID          string  `db:"id"`
	JobType     string  `db:"job_type"`
	TargetID    *string `db:"target_id"`
	ExecuteAt   string  `db:"execute_at"`
	Status      string  `db:"status"`
	PayloadJSON string  `db:"payload_json"`
	CreatedAt   string  `db:"created_at"`
}

// AuditEntry is an append-only record of a Gateway attempt or engine decision.
type AuditEntry struct {
	ID           string  `db:"id"`
	ActionType   string  `db:"action_type"`
	TargetType   string  `db:"target_type"`
	TargetID     *string `db:"target_id"`
	RequestJSON  string  `db:"request_json"`
	ResponseJSON *string `db:"response_json"`
	Success      bool    `db:"success"`
	ErrorMessage *string `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
}
