// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/notifications"
	"github.com/bissquit/sterility-garden/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const messageColumns = `
	id, incident_id, facility_id, severity, message_type, dedup_key, recipients,
	webhook_url, channels, subject, body, status, retry_count, max_retries,
	next_attempt_at, last_error, sent_at, created_at, updated_at`

const alertColumns = `
	id, facility_id, incident_id, recipient_email, recipient_type, subject, body,
	priority, scheduled_for, status, retry_count, max_retries, last_error, sent_at,
	created_at, updated_at`

// GetFacilityConfig returns the notification settings of a facility.
func (r *Repository) GetFacilityConfig(ctx context.Context, facilityID string) (*domain.FacilityNotificationConfig, error) {
	var (
		cfg          domain.FacilityNotificationConfig
		channels     []string
		delaySeconds int
	)
	err := r.db.QueryRow(ctx, `
		SELECT facility_id, auto_notification_enabled, regulators, clinic_manager_name,
		       clinic_manager_email, webhook_url, channels, default_delay_seconds,
		       escalation, updated_at
		FROM facility_notification_configs
		WHERE facility_id = $1
	`, facilityID).Scan(
		&cfg.FacilityID,
		&cfg.AutoNotificationEnabled,
		&cfg.Regulators,
		&cfg.ClinicManagerName,
		&cfg.ClinicManagerEmail,
		&cfg.WebhookURL,
		&channels,
		&delaySeconds,
		&cfg.Escalation,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrConfigNotFound
		}
		return nil, postgres.Wrap("get facility config", err)
	}

	cfg.Channels = channelTypes(channels)
	cfg.DefaultDelay = time.Duration(delaySeconds) * time.Second
	return &cfg, nil
}

// UpsertFacilityConfig creates or replaces the settings of a facility.
func (r *Repository) UpsertFacilityConfig(ctx context.Context, cfg *domain.FacilityNotificationConfig) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO facility_notification_configs (
			facility_id, auto_notification_enabled, regulators, clinic_manager_name,
			clinic_manager_email, webhook_url, channels, default_delay_seconds, escalation
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (facility_id) DO UPDATE SET
			auto_notification_enabled = EXCLUDED.auto_notification_enabled,
			regulators = EXCLUDED.regulators,
			clinic_manager_name = EXCLUDED.clinic_manager_name,
			clinic_manager_email = EXCLUDED.clinic_manager_email,
			webhook_url = EXCLUDED.webhook_url,
			channels = EXCLUDED.channels,
			default_delay_seconds = EXCLUDED.default_delay_seconds,
			escalation = EXCLUDED.escalation,
			updated_at = NOW()
		RETURNING updated_at
	`,
		cfg.FacilityID,
		cfg.AutoNotificationEnabled,
		nonNil(cfg.Regulators),
		cfg.ClinicManagerName,
		cfg.ClinicManagerEmail,
		cfg.WebhookURL,
		channelStrings(cfg.Channels),
		int(cfg.DefaultDelay/time.Second),
		cfg.Escalation,
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return postgres.Wrap("upsert facility config", err)
	}
	return nil
}

// CreateMessage inserts msg unless the incident already has a message of
// its type and dedup key, in which case msg is replaced by the stored row.
func (r *Repository) CreateMessage(ctx context.Context, msg *domain.NotificationMessage) (bool, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO notification_messages (
			incident_id, facility_id, severity, message_type, dedup_key, recipients,
			webhook_url, channels, subject, body, status, retry_count, max_retries,
			next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (incident_id, message_type, dedup_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`,
		msg.IncidentID,
		msg.FacilityID,
		msg.Severity,
		msg.MessageType,
		msg.DedupKey,
		nonNil(msg.Recipients),
		msg.WebhookURL,
		channelStrings(msg.Channels),
		msg.Subject,
		msg.Body,
		msg.Status,
		msg.RetryCount,
		msg.MaxRetries,
		msg.NextAttemptAt,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, postgres.Wrap("create message", err)
	}

	existing, err := scanMessage(r.db.QueryRow(ctx, `SELECT`+messageColumns+`
		FROM notification_messages
		WHERE incident_id = $1 AND message_type = $2 AND dedup_key = $3
	`, msg.IncidentID, msg.MessageType, msg.DedupKey))
	if err != nil {
		return false, postgres.Wrap("get existing message", err)
	}
	*msg = *existing
	return false, nil
}

// GetMessage returns a message by id.
func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.NotificationMessage, error) {
	msg, err := scanMessage(r.db.QueryRow(ctx, `SELECT`+messageColumns+`
		FROM notification_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidInput(err) {
			return nil, notifications.ErrMessageNotFound
		}
		return nil, postgres.Wrap("get message", err)
	}
	return msg, nil
}

// ListIncidentMessages returns the messages of an incident, oldest first.
func (r *Repository) ListIncidentMessages(ctx context.Context, incidentID string) ([]domain.NotificationMessage, error) {
	rows, err := r.db.Query(ctx, `SELECT`+messageColumns+`
		FROM notification_messages
		WHERE incident_id = $1
		ORDER BY created_at, id`, incidentID)
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return []domain.NotificationMessage{}, nil
		}
		return nil, postgres.Wrap("list incident messages", err)
	}
	return collectMessages(rows)
}

// UpdateMessageDelivery stores the delivery state of msg. sent_at is
// written once and never overwritten.
func (r *Repository) UpdateMessageDelivery(ctx context.Context, msg *domain.NotificationMessage) error {
	err := r.db.QueryRow(ctx, `
		UPDATE notification_messages
		SET status = $2,
		    retry_count = $3,
		    next_attempt_at = $4,
		    last_error = $5,
		    sent_at = COALESCE(sent_at, $6),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING sent_at, updated_at
	`, msg.ID, msg.Status, msg.RetryCount, msg.NextAttemptAt, msg.LastError, msg.SentAt).
		Scan(&msg.SentAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notifications.ErrMessageNotFound
		}
		return postgres.Wrap("update message delivery", err)
	}
	return nil
}

// ClaimMessage moves an unsent message to sending. A failed message gets
// a fresh retry budget. It returns nil when the message is sent or
// already claimed.
func (r *Repository) ClaimMessage(ctx context.Context, id string) (*domain.NotificationMessage, error) {
	msg, err := scanMessage(r.db.QueryRow(ctx, `
		UPDATE notification_messages
		SET status = 'sending',
		    retry_count = CASE WHEN status = 'failed' THEN 0 ELSE retry_count END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued', 'failed')
		RETURNING`+messageColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if postgres.IsInvalidInput(err) {
			return nil, notifications.ErrMessageNotFound
		}
		return nil, postgres.Wrap("claim message", err)
	}
	return msg, nil
}

// ClaimDueMessages moves up to limit due queued messages to sending,
// most severe and oldest first. Rows locked by a concurrent sweep are skipped.
func (r *Repository) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]domain.NotificationMessage, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE notification_messages
		SET status = 'sending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_messages
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY CASE severity
				WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1
			END DESC, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+messageColumns, now, limit)
	if err != nil {
		return nil, postgres.Wrap("claim due messages", err)
	}

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order.
	slices.SortStableFunc(messages, func(a, b domain.NotificationMessage) int {
		if c := cmp.Compare(severityRank(b.Severity), severityRank(a.Severity)); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return messages, nil
}

// CreateEmailAlert inserts a queued email alert.
func (r *Repository) CreateEmailAlert(ctx context.Context, alert *domain.EmailAlert) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO email_alerts (
			facility_id, incident_id, recipient_email, recipient_type, subject, body,
			priority, scheduled_for, status, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`,
		alert.FacilityID,
		alert.IncidentID,
		alert.RecipientEmail,
		alert.RecipientType,
		alert.Subject,
		alert.Body,
		alert.Priority,
		alert.ScheduledFor,
		alert.Status,
		alert.MaxRetries,
	).Scan(&alert.ID, &alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return domain.NewValidationError("incident_id", "is not a valid incident id")
		}
		return postgres.Wrap("create email alert", err)
	}
	return nil
}

// ClaimDueEmailAlerts moves up to limit due alerts to sending, highest
// priority then oldest schedule first.
func (r *Repository) ClaimDueEmailAlerts(ctx context.Context, now time.Time, limit int) ([]domain.EmailAlert, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE email_alerts
		SET status = 'sending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_alerts
			WHERE status = 'queued' AND scheduled_for <= $1
			ORDER BY CASE priority
				WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1
			END DESC, scheduled_for, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+alertColumns, now, limit)
	if err != nil {
		return nil, postgres.Wrap("claim due email alerts", err)
	}
	defer rows.Close()

	alerts := make([]domain.EmailAlert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, postgres.Wrap("scan email alert", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate email alerts", err)
	}

	slices.SortStableFunc(alerts, func(a, b domain.EmailAlert) int {
		if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
			return c
		}
		return a.ScheduledFor.Compare(b.ScheduledFor)
	})
	return alerts, nil
}

// UpdateEmailAlertDelivery stores the delivery state of an alert.
func (r *Repository) UpdateEmailAlertDelivery(ctx context.Context, alert *domain.EmailAlert) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE email_alerts
		SET status = $2,
		    retry_count = $3,
		    scheduled_for = $4,
		    last_error = $5,
		    sent_at = COALESCE(sent_at, $6),
		    updated_at = NOW()
		WHERE id = $1
	`, alert.ID, alert.Status, alert.RetryCount, alert.ScheduledFor, alert.LastError, alert.SentAt)
	if err != nil {
		return postgres.Wrap("update email alert delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email alert %s: %w", alert.ID, domain.ErrNotFound)
	}
	return nil
}

// RecordAttempt appends a delivery attempt to the audit log.
func (r *Repository) RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO delivery_attempts (message_id, alert_id, channel, success, actor, detail, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		attempt.MessageID,
		attempt.AlertID,
		attempt.Channel,
		attempt.Success,
		attempt.Actor,
		attempt.Detail,
		attempt.AttemptedAt,
	).Scan(&attempt.ID)
	if err != nil {
		return postgres.Wrap("record delivery attempt", err)
	}
	return nil
}

// ListAttempts returns the audit log of a message in order.
func (r *Repository) ListAttempts(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, alert_id, channel, success, actor, detail, attempted_at
		FROM delivery_attempts
		WHERE message_id = $1
		ORDER BY attempted_at, id
	`, messageID)
	if err != nil {
		return nil, postgres.Wrap("list delivery attempts", err)
	}
	defer rows.Close()

	attempts := make([]domain.DeliveryAttempt, 0)
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.AlertID, &a.Channel, &a.Success, &a.Actor, &a.Detail, &a.AttemptedAt); err != nil {
			return nil, postgres.Wrap("scan delivery attempt", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate delivery attempts", err)
	}
	return attempts, nil
}

// RecoverStuck returns messages and alerts whose send stalled before
// olderThan to the queue. Messages left pending by an interrupted inline
// send are queued as well.
func (r *Repository) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		WITH messages AS (
			UPDATE notification_messages
			SET status = 'queued', next_attempt_at = NOW(), updated_at = NOW()
			WHERE status IN ('pending', 'sending') AND updated_at < $1
			RETURNING 1
		), alerts AS (
			UPDATE email_alerts
			SET status = 'queued', updated_at = NOW()
			WHERE status = 'sending' AND updated_at < $1
			RETURNING 1
		)
		SELECT (SELECT COUNT(*) FROM messages) + (SELECT COUNT(*) FROM alerts)
	`, olderThan).Scan(&n)
	if err != nil {
		return 0, postgres.Wrap("recover stuck notifications", err)
	}
	return n, nil
}

// QueueStats counts messages and alerts by status.
func (r *Repository) QueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*) FROM (
			SELECT status FROM notification_messages
			UNION ALL
			SELECT status FROM email_alerts
		) s
		GROUP BY status
	`)
	if err != nil {
		return nil, postgres.Wrap("queue stats", err)
	}
	defer rows.Close()

	var stats notifications.QueueStats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, postgres.Wrap("scan queue stats", err)
		}
		switch domain.MessageStatus(status) {
		case domain.MessageStatusPending:
			stats.Pending = count
		case domain.MessageStatusQueued:
			stats.Queued = count
		case domain.MessageStatusSending:
			stats.Sending = count
		case domain.MessageStatusSent, domain.MessageStatusDelivered:
			stats.Sent += count
		case domain.MessageStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate queue stats", err)
	}
	return &stats, nil
}

func collectMessages(rows pgx.Rows) ([]domain.NotificationMessage, error) {
	defer rows.Close()

	messages := make([]domain.NotificationMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, postgres.Wrap("scan message", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate messages", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*domain.NotificationMessage, error) {
	var (
		msg      domain.NotificationMessage
		channels []string
	)
	err := row.Scan(
		&msg.ID,
		&msg.IncidentID,
		&msg.FacilityID,
		&msg.Severity,
		&msg.MessageType,
		&msg.DedupKey,
		&msg.Recipients,
		&msg.WebhookURL,
		&channels,
		&msg.Subject,
		&msg.Body,
		&msg.Status,
		&msg.RetryCount,
		&msg.MaxRetries,
		&msg.NextAttemptAt,
		&msg.LastError,
		&msg.SentAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Channels = channelTypes(channels)
	return &msg, nil
}

func scanAlert(row pgx.Row) (*domain.EmailAlert, error) {
	var alert domain.EmailAlert
	err := row.Scan(
		&alert.ID,
		&alert.FacilityID,
		&alert.IncidentID,
		&alert.RecipientEmail,
		&alert.RecipientType,
		&alert.Subject,
		&alert.Body,
		&alert.Priority,
		&alert.ScheduledFor,
		&alert.Status,
		&alert.RetryCount,
		&alert.MaxRetries,
		&alert.LastError,
		&alert.SentAt,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 4
	case domain.SeverityHigh:
		return 3
	case domain.SeverityMedium:
		return 2
	}
	return 1
}

func channelStrings(channels []domain.ChannelType) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, string(ch))
	}
	return out
}

func channelTypes(channels []string) []domain.ChannelType {
	out := make([]domain.ChannelType, 0, len(channels))
	for _, ch := range channels {
		out = append(out, domain.ChannelType(ch))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
