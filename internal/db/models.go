package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EmailMessage is one unit of outbound email work, tracked through the
// queue lifecycle from enqueue to a terminal status.
type EmailMessage struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`

	TemplateType string          `json:"template_type"`
	ToEmail      string          `json:"to_email"`
	ToName       *string         `json:"to_name,omitempty"`
	CcEmails     []string        `json:"cc_emails,omitempty"`
	BccEmails    []string        `json:"bcc_emails,omitempty"`
	Subject      string          `json:"subject"`
	HTMLContent  string          `json:"html_content"`
	TextContent  *string         `json:"text_content,omitempty"`
	Variables    json.RawMessage `json:"template_variables,omitempty"`

	FromEmail *string `json:"from_email,omitempty"`
	FromName  *string `json:"from_name,omitempty"`
	ReplyTo   *string `json:"reply_to,omitempty"`

	Status   string `json:"status"`
	Priority string `json:"priority"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`

	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ErrorDetails      json.RawMessage `json:"error_details,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage `json:"provider_response,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	CreatedBy         *uuid.UUID `json:"created_by,omitempty"`
	RelatedEntityType *string    `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string    `json:"related_entity_id,omitempty"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Priority constants, highest tier first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// Template type constants
const (
	TemplateTeacherInvitation  = "teacher_invitation"
	TemplateTenantAdminInvite  = "tenant_admin_invitation"
	TemplatePasswordReset      = "password_reset"
	TemplateWelcome            = "welcome"
	TemplateAccountSuspended   = "account_suspended"
	TemplateAccountReactivated = "account_reactivated"
	TemplateSystemMaintenance  = "system_maintenance"
	TemplateSystemUpdate       = "system_update"
	TemplateCustom             = "custom"
)

// IsTerminal reports whether a status admits no further dispatch.
func IsTerminal(status string) bool {
	switch status {
	case StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidPriority reports whether p is a recognized priority tier.
func ValidPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// PriorityRank maps a tier to its dispatch rank; lower rank dispatches first.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// ValidTemplateType reports whether t is a recognized template type.
func ValidTemplateType(t string) bool {
	switch t {
	case TemplateTeacherInvitation, TemplateTenantAdminInvite, TemplatePasswordReset,
		TemplateWelcome, TemplateAccountSuspended, TemplateAccountReactivated,
		TemplateSystemMaintenance, TemplateSystemUpdate, TemplateCustom:
		return true
	}
	return false
}

// EmailLog is an immutable record of one send attempt's outcome. Lifecycle
// timestamps (delivered/opened/clicked/bounced) are filled in later by
// provider webhook events, keyed by provider message id.
type EmailLog struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	QueueID           *uuid.UUID      `json:"queue_id,omitempty"`
	TemplateType      string          `json:"template_type"`
	ToEmail           string          `json:"to_email"`
	Subject           string          `json:"subject"`
	Status            string          `json:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage `json:"provider_response,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	ClickedAt         *time.Time      `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time      `json:"bounced_at,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ErrorDetails      json.RawMessage `json:"error_details,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CreatedBy         *uuid.UUID      `json:"created_by,omitempty"`
}

// BlacklistEntry denies sends to an address for a tenant until it expires.
type BlacklistEntry struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	Email         string     `json:"email"`
	Reason        *string    `json:"reason,omitempty"`
	BlacklistedAt time.Time  `json:"blacklisted_at"`
	BlacklistedBy *uuid.UUID `json:"blacklisted_by,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// RateCounter holds a tenant's send quota state. Each window carries its
// own ceiling, running count and reset timestamp.
type RateCounter struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	HourlyLimit    int       `json:"hourly_limit"`
	DailyLimit     int       `json:"daily_limit"`
	MonthlyLimit   int       `json:"monthly_limit"`
	HourlyCount    int       `json:"hourly_count"`
	DailyCount     int       `json:"daily_count"`
	MonthlyCount   int       `json:"monthly_count"`
	HourlyResetAt  time.Time `json:"hourly_reset_at"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
