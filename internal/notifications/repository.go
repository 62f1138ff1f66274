// Package notifications routes BI failure notifications to regulators,
// clinic managers and escalation contacts, and delivers them over email
// and webhook channels with scheduled retries.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// Repository defines the interface for notifications data access.
type Repository interface {
	// Facility settings
	GetFacilityConfig(ctx context.Context, facilityID string) (*domain.FacilityNotificationConfig, error)
	UpsertFacilityConfig(ctx context.Context, cfg *domain.FacilityNotificationConfig) error

	// Messages. CreateMessage inserts msg unless the incident already has a
	// message of the same type; then msg is overwritten with the stored row
	// and created is false.
	CreateMessage(ctx context.Context, msg *domain.NotificationMessage) (created bool, err error)
	GetMessage(ctx context.Context, id string) (*domain.NotificationMessage, error)
	ListIncidentMessages(ctx context.Context, incidentID string) ([]domain.NotificationMessage, error)
	UpdateMessageDelivery(ctx context.Context, msg *domain.NotificationMessage) error

	// Claims move rows to sending atomically; rows claimed by another
	// sweep are skipped. ClaimMessage returns nil when the message is
	// already sent or held by someone else.
	ClaimMessage(ctx context.Context, id string) (*domain.NotificationMessage, error)
	ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]domain.NotificationMessage, error)

	// Email alert queue
	CreateEmailAlert(ctx context.Context, alert *domain.EmailAlert) error
	ClaimDueEmailAlerts(ctx context.Context, now time.Time, limit int) ([]domain.EmailAlert, error)
	UpdateEmailAlertDelivery(ctx context.Context, alert *domain.EmailAlert) error

	// Audit log
	RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListAttempts(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error)

	// Maintenance
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// QueueStats counts notification messages and email alerts by status.
type QueueStats struct {
	Pending int64
	Queued  int64
	Sending int64
	Sent    int64
	Failed  int64
}
