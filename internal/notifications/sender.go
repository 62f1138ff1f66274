package notifications

import (
	"context"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// Notification is one rendered message handed to a channel sender.
type Notification struct {
	ID          string
	IncidentID  string
	MessageType domain.MessageType
	Severity    domain.Severity
	// To lists email recipients.
	To []string
	// Target is the webhook URL.
	Target  string
	Subject string
	Body    string
}

// Sender delivers notifications over one channel. Errors may implement
// IsRetryable() bool; errors without it are retried.
type Sender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, notification Notification) error
}
