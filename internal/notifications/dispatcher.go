package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
)

// DispatcherConfig contains delivery configuration.
type DispatcherConfig struct {
	// BaseDelay is the wait before the first scheduled retry. It doubles
	// with every further retry up to MaxDelay.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
	// Actor is written to the audit log when no operator is in the context.
	Actor string
}

// DefaultDispatcherConfig returns default delivery configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		SendTimeout: 10 * time.Second,
		Actor:       "system",
	}
}

// DeliveryHook is called once a regulatory message has been delivered.
type DeliveryHook func(ctx context.Context, incidentID string, at time.Time) error

// Dispatcher delivers notification messages and email alerts through the
// registered senders and persists their delivery state.
type Dispatcher struct {
	repo    Repository
	senders map[domain.ChannelType]Sender
	policy  retry.Policy
	config  DispatcherConfig

	onRegulatoryDelivered DeliveryHook
	now                   func() time.Time
}

// NewDispatcher creates a new notification dispatcher. policy governs the
// in-call retries of one channel send.
func NewDispatcher(repo Repository, config DispatcherConfig, policy retry.Policy, senders ...Sender) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.Actor == "" {
		config.Actor = defaults.Actor
	}

	senderMap := make(map[domain.ChannelType]Sender)
	for _, s := range senders {
		senderMap[s.Type()] = s
	}
	return &Dispatcher{
		repo:    repo,
		senders: senderMap,
		policy:  policy,
		config:  config,
		now:     time.Now,
	}
}

// OnRegulatoryDelivered registers the hook run after regulatory delivery.
func (d *Dispatcher) OnRegulatoryDelivered(hook DeliveryHook) {
	d.onRegulatoryDelivered = hook
}

// Enqueue persists msg. created is false when the incident already has a
// message of this type; msg then holds the stored message.
func (d *Dispatcher) Enqueue(ctx context.Context, msg *domain.NotificationMessage) (bool, error) {
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = domain.DefaultMaxRetries
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusPending
	}

	created, err := d.repo.CreateMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("create message: %w", err)
	}
	return created, nil
}

// SendNotification persists msg if it is new and delivers it. A stored
// message is claimed first, so it is never sent by a sweep at the same
// time; a sent message yields ErrAlreadySent.
func (d *Dispatcher) SendNotification(ctx context.Context, msg *domain.NotificationMessage) error {
	if msg.ID == "" {
		created, err := d.Enqueue(ctx, msg)
		if err != nil {
			return err
		}
		if created {
			return d.Deliver(ctx, msg)
		}
	}

	if isSent(msg.Status) {
		return ErrAlreadySent
	}

	claimed, err := d.repo.ClaimMessage(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	if claimed == nil {
		current, err := d.repo.GetMessage(ctx, msg.ID)
		if err == nil && isSent(current.Status) {
			*msg = *current
			return ErrAlreadySent
		}
		return ErrMessageInFlight
	}

	*msg = *claimed
	return d.Deliver(ctx, msg)
}

// Deliver sends a claimed or freshly created message over each of its
// channels. One failing channel does not stop the others; any success
// marks the message sent. When every channel fails the message is
// rescheduled with exponential backoff, or failed once its retry budget
// is spent, and a *domain.DeliveryError is returned.
func (d *Dispatcher) Deliver(ctx context.Context, msg *domain.NotificationMessage) error {
	var (
		delivered bool
		retryable bool
		errs      []error
	)

	if len(msg.Channels) == 0 {
		errs = append(errs, ErrNoRecipients)
	}

	for _, ch := range msg.Channels {
		err := d.sendToChannel(ctx, ch, notificationFor(msg, ch))
		d.recordAttempt(ctx, &domain.DeliveryAttempt{MessageID: &msg.ID, Channel: ch}, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			retryable = retryable || retry.IsRetryable(err)
			continue
		}
		delivered = true
	}

	if !delivered {
		return d.handleSendError(ctx, msg, errors.Join(errs...), retryable)
	}

	now := d.now()
	msg.Status = domain.MessageStatusSent
	msg.SentAt = &now
	msg.NextAttemptAt = nil
	msg.LastError = ""
	if len(errs) > 0 {
		msg.LastError = errors.Join(errs...).Error()
	}
	if err := d.repo.UpdateMessageDelivery(ctx, msg); err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("notification sent",
		"message_id", msg.ID,
		"incident_id", msg.IncidentID,
		"message_type", msg.MessageType,
		"failed_channels", len(errs),
	)

	if msg.MessageType == domain.MessageTypeRegulatory && d.onRegulatoryDelivered != nil {
		if err := d.onRegulatoryDelivered(ctx, msg.IncidentID, now); err != nil {
			logger.Error("failed to mark regulatory notification sent",
				"incident_id", msg.IncidentID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (d *Dispatcher) handleSendError(ctx context.Context, msg *domain.NotificationMessage, err error, retryable bool) error {
	logger := ctxlog.FromContext(ctx)

	msg.RetryCount++
	msg.LastError = err.Error()

	if !retryable || msg.RetryCount >= msg.MaxRetries {
		msg.RetryCount = min(msg.RetryCount, msg.MaxRetries)
		msg.Status = domain.MessageStatusFailed
		msg.NextAttemptAt = nil
		if updErr := d.repo.UpdateMessageDelivery(ctx, msg); updErr != nil {
			logger.Error("failed to mark as failed", "message_id", msg.ID, "error", updErr)
		}
		logger.Error("notification failed permanently",
			"message_id", msg.ID,
			"incident_id", msg.IncidentID,
			"message_type", msg.MessageType,
			"attempt", msg.RetryCount,
			"error", err,
		)
		return &domain.DeliveryError{MessageID: msg.ID, Attempts: msg.RetryCount, Final: true, Err: err}
	}

	next := d.calculateNextAttempt(msg.RetryCount)
	msg.Status = domain.MessageStatusQueued
	msg.NextAttemptAt = &next
	if updErr := d.repo.UpdateMessageDelivery(ctx, msg); updErr != nil {
		logger.Error("failed to mark for retry", "message_id", msg.ID, "error", updErr)
	}
	logger.Warn("notification scheduled for retry",
		"message_id", msg.ID,
		"incident_id", msg.IncidentID,
		"attempt", msg.RetryCount,
		"max_attempts", msg.MaxRetries,
		"next_attempt", next,
		"error", err,
	)
	return &domain.DeliveryError{MessageID: msg.ID, Attempts: msg.RetryCount, Err: err}
}

// SendEmailAlert delivers one claimed email alert and stores the outcome.
// Failed alerts follow the retry budget of notification messages.
func (d *Dispatcher) SendEmailAlert(ctx context.Context, alert *domain.EmailAlert) error {
	n := Notification{
		ID:      alert.ID,
		To:      []string{alert.RecipientEmail},
		Subject: alert.Subject,
		Body:    alert.Body,
	}
	if alert.IncidentID != nil {
		n.IncidentID = *alert.IncidentID
	}

	err := d.sendToChannel(ctx, domain.ChannelTypeEmail, n)
	d.recordAttempt(ctx, &domain.DeliveryAttempt{AlertID: &alert.ID, Channel: domain.ChannelTypeEmail}, err)

	if err == nil {
		now := d.now()
		alert.Status = domain.MessageStatusSent
		alert.SentAt = &now
		alert.LastError = ""
		if err := d.repo.UpdateEmailAlertDelivery(ctx, alert); err != nil {
			return fmt.Errorf("update email alert %s: %w", alert.ID, err)
		}
		return nil
	}

	alert.RetryCount++
	alert.LastError = err.Error()
	final := !retry.IsRetryable(err) || alert.RetryCount >= alert.MaxRetries
	if final {
		alert.RetryCount = min(alert.RetryCount, alert.MaxRetries)
		alert.Status = domain.MessageStatusFailed
	} else {
		alert.Status = domain.MessageStatusQueued
		alert.ScheduledFor = d.calculateNextAttempt(alert.RetryCount)
	}
	if updErr := d.repo.UpdateEmailAlertDelivery(ctx, alert); updErr != nil {
		ctxlog.FromContext(ctx).Error("failed to update email alert", "alert_id", alert.ID, "error", updErr)
	}
	return &domain.DeliveryError{MessageID: alert.ID, Attempts: alert.RetryCount, Final: final, Err: err}
}

// sendToChannel runs one channel send under the delivery policy, each
// attempt bounded by the send timeout.
func (d *Dispatcher) sendToChannel(ctx context.Context, ch domain.ChannelType, n Notification) error {
	sender, ok := d.senders[ch]
	if !ok {
		recordNotificationSent(string(ch), "no_sender")
		return NewNonRetryableError(fmt.Errorf("%w %s", errNoSender, ch))
	}

	start := time.Now()
	err := d.policy.Do(ctx, "send_"+string(ch), func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()
		return sender.Send(sendCtx, n)
	})
	recordNotificationDuration(string(ch), time.Since(start))

	if err != nil {
		recordNotificationSent(string(ch), "failed")
		return err
	}
	recordNotificationSent(string(ch), "success")
	return nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt, err error) {
	attempt.Success = err == nil
	attempt.Actor = d.actor(ctx)
	attempt.AttemptedAt = d.now()
	attempt.Detail = "delivered"
	if err != nil {
		attempt.Detail = err.Error()
	}

	if recErr := d.repo.RecordAttempt(ctx, attempt); recErr != nil {
		ctxlog.FromContext(ctx).Warn("failed to record delivery attempt",
			"channel", attempt.Channel,
			"error", recErr,
		)
	}
}

func (d *Dispatcher) actor(ctx context.Context) string {
	if id := httputil.GetUserID(ctx); id != "" {
		return id
	}
	return d.config.Actor
}

func (d *Dispatcher) calculateNextAttempt(attempt int) time.Time {
	backoff := d.config.BaseDelay
	for i := 1; i < attempt && backoff < d.config.MaxDelay; i++ {
		backoff *= 2
	}

	if backoff > d.config.MaxDelay {
		backoff = d.config.MaxDelay
	}

	return d.now().Add(backoff)
}

func notificationFor(msg *domain.NotificationMessage, ch domain.ChannelType) Notification {
	n := Notification{
		ID:          msg.ID,
		IncidentID:  msg.IncidentID,
		MessageType: msg.MessageType,
		Severity:    msg.Severity,
		Subject:     msg.Subject,
		Body:        msg.Body,
	}
	switch ch {
	case domain.ChannelTypeEmail:
		n.To = msg.Recipients
	case domain.ChannelTypeWebhook:
		n.Target = msg.WebhookURL
	}
	return n
}

func isSent(status domain.MessageStatus) bool {
	return status == domain.MessageStatusSent || status == domain.MessageStatusDelivered
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
