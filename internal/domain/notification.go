package domain

import "time"

// ChannelType is a notification delivery channel.
type ChannelType string

// Channel types.
const (
	ChannelTypeEmail   ChannelType = "email"
	ChannelTypeWebhook ChannelType = "webhook"
)

// MessageType defines who a notification is addressed to.
type MessageType string

// Message types.
const (
	MessageTypeRegulatory    MessageType = "regulatory"
	MessageTypeClinicManager MessageType = "clinic_manager"
	MessageTypeEscalation    MessageType = "escalation"
	MessageTypeResolution    MessageType = "resolution"
)

// MessageStatus is the delivery status of a notification message.
type MessageStatus string

// Message statuses.
const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusDelivered MessageStatus = "delivered"
)

// DefaultMaxRetries is the retry budget of a notification message.
const DefaultMaxRetries = 3

// NotificationMessage is a rendered notification and its delivery state.
type NotificationMessage struct {
	ID            string        `json:"id"`
	IncidentID    string        `json:"incident_id"`
	FacilityID    string        `json:"facility_id"`
	Severity      Severity      `json:"severity"`
	MessageType   MessageType   `json:"message_type"`
	// DedupKey separates messages of one type for the same incident. It is
	// empty except for resolution notices, which carry the resolution time.
	DedupKey      string        `json:"-"`
	Recipients    []string      `json:"recipients"`
	WebhookURL    string        `json:"-"`
	Channels      []ChannelType `json:"channels"`
	Subject       string        `json:"subject"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	NextAttemptAt *time.Time    `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	SentAt        *time.Time    `json:"sent_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DeliveryAttempt is an audit log record of one channel send.
type DeliveryAttempt struct {
	ID          string      `json:"id"`
	MessageID   *string     `json:"message_id"`
	AlertID     *string     `json:"alert_id"`
	Channel     ChannelType `json:"channel"`
	Success     bool        `json:"success"`
	Actor       string      `json:"actor"`
	Detail      string      `json:"detail"`
	AttemptedAt time.Time   `json:"attempted_at"`
}

// AlertPriority orders queued email alerts.
type AlertPriority string

// Alert priorities.
const (
	AlertPriorityLow    AlertPriority = "low"
	AlertPriorityMedium AlertPriority = "medium"
	AlertPriorityHigh   AlertPriority = "high"
	AlertPriorityUrgent AlertPriority = "urgent"
)

// IsValid reports whether p is a known priority.
func (p AlertPriority) IsValid() bool {
	switch p {
	case AlertPriorityLow, AlertPriorityMedium, AlertPriorityHigh, AlertPriorityUrgent:
		return true
	}
	return false
}

// Rank returns the sort weight of the priority, higher first.
func (p AlertPriority) Rank() int {
	switch p {
	case AlertPriorityUrgent:
		return 4
	case AlertPriorityHigh:
		return 3
	case AlertPriorityMedium:
		return 2
	case AlertPriorityLow:
		return 1
	}
	return 0
}

// EmailAlert is a scheduled email waiting in the alert queue.
type EmailAlert struct {
	ID             string        `json:"id"`
	FacilityID     string        `json:"facility_id"`
	IncidentID     *string       `json:"incident_id"`
	RecipientEmail string        `json:"recipient_email"`
	RecipientType  string        `json:"recipient_type"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Priority       AlertPriority `json:"priority"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	Status         MessageStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	LastError      string        `json:"last_error,omitempty"`
	SentAt         *time.Time    `json:"sent_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// EscalationContacts lists recipients per escalation tier.
type EscalationContacts struct {
	Supervisor []string `json:"supervisor"`
	Manager    []string `json:"manager"`
	Director   []string `json:"director"`
	Executive  []string `json:"executive"`
}

// FacilityNotificationConfig holds facility-level notification settings.
type FacilityNotificationConfig struct {
	FacilityID              string             `json:"facility_id"`
	AutoNotificationEnabled bool               `json:"auto_notification_enabled"`
	Regulators              []string           `json:"regulators"`
	ClinicManagerName       string             `json:"clinic_manager_name"`
	ClinicManagerEmail      string             `json:"clinic_manager_email"`
	WebhookURL              string             `json:"webhook_url"`
	Channels                []ChannelType      `json:"channels"`
	DefaultDelay            time.Duration      `json:"default_delay"`
	Escalation              EscalationContacts `json:"escalation"`
	UpdatedAt               time.Time          `json:"updated_at"`
}
