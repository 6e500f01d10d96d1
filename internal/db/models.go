package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound marks a lookup that matched no row. Callers branch on it with
// errors.Is to tell a missing row from a failing database.
var ErrNotFound = errors.New("not found")

// OutboxMessage is one intended outbound delivery. Rows are append-only:
// sent and failed messages are kept as an audit trail, never deleted.
type OutboxMessage struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   *uuid.UUID      `json:"tenant_id,omitempty"` // nil for platform-level messages
	TemplateID string          `json:"template_id"`
	Recipient  string          `json:"recipient"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	Error      *string         `json:"error,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Outbox status constants. Pending and Sending are the only non-terminal
// states; a row in Sending is owned by exactly one worker at a time.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSending = "sending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// ReminderSchedule is one active (scope, event type, day offset) reminder
// definition. Schedules accumulate: dropping an offset from policy leaves
// the existing row active rather than pruning it.
type ReminderSchedule struct {
	ID                uuid.UUID  `json:"id"`
	Scope             string     `json:"scope"`
	EventType         string     `json:"event_type"`
	TriggerOffsetDays int        `json:"trigger_offset_days"`
	Cadence           string     `json:"cadence"`
	IsActive          bool       `json:"is_active"`
	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`
	NextTriggerAt     *time.Time `json:"next_trigger_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ScopePlatform is the only schedule scope currently in use.
const ScopePlatform = "platform"

// Notification is an in-app notification row consumed by the UI. This
// subsystem only writes them.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    *uuid.UUID      `json:"tenant_id,omitempty"`
	Scope       string          `json:"scope"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Severity    string          `json:"severity"`
	TargetEmail string          `json:"target_email"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TenantOwner is an owner-role user eligible to receive lifecycle reminders.
type TenantOwner struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// Tenant is the read-only directory snapshot the reminder scheduler
// evaluates. CreatedAt is the trial anchor (day zero for trial arithmetic).
type Tenant struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	Domain    string        `json:"domain"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Owners    []TenantOwner `json:"owners"`
}
