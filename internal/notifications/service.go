package notifications

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// QueueEmailAlertParams describes an email to send later.
type QueueEmailAlertParams struct {
	FacilityID     string
	IncidentID     *string
	RecipientEmail string
	RecipientType  string
	Subject        string
	Body           string
	Priority       domain.AlertPriority
	// ScheduledFor defaults to now plus the facility delay.
	ScheduledFor *time.Time
}

// Validate checks required fields and the recipient address.
func (p QueueEmailAlertParams) Validate() error {
	switch {
	case p.FacilityID == "":
		return domain.NewValidationError("facility_id", "is required")
	case !emailPattern.MatchString(p.RecipientEmail):
		return domain.NewValidationError("recipient_email", "must be a valid email address")
	case strings.TrimSpace(p.RecipientType) == "":
		return domain.NewValidationError("recipient_type", "is required")
	case strings.TrimSpace(p.Subject) == "":
		return domain.NewValidationError("subject", "is required")
	case strings.TrimSpace(p.Body) == "":
		return domain.NewValidationError("body", "is required")
	case p.Priority != "" && !p.Priority.IsValid():
		return domain.NewValidationError("priority", "must be one of low, medium, high, urgent")
	}
	return nil
}

// Service provides the notification operations exposed over HTTP.
type Service struct {
	repo       Repository
	router     *Router
	maxRetries int
	now        func() time.Time
}

// NewService creates a new notifications service.
func NewService(repo Repository, router *Router) *Service {
	return &Service{
		repo:       repo,
		router:     router,
		maxRetries: router.config.MaxRetries,
		now:        time.Now,
	}
}

// QueueEmailAlert validates and stores an email alert for the background
// sweep and returns its queue id.
func (s *Service) QueueEmailAlert(ctx context.Context, params QueueEmailAlertParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	priority := params.Priority
	if priority == "" {
		priority = domain.AlertPriorityMedium
	}

	var scheduledFor time.Time
	if params.ScheduledFor != nil {
		scheduledFor = *params.ScheduledFor
	} else {
		delay := s.router.FacilityConfig(ctx, params.FacilityID).DefaultDelay
		scheduledFor = s.now().Add(delay)
	}

	alert := &domain.EmailAlert{
		FacilityID:     params.FacilityID,
		IncidentID:     params.IncidentID,
		RecipientEmail: params.RecipientEmail,
		RecipientType:  strings.TrimSpace(params.RecipientType),
		Subject:        params.Subject,
		Body:           params.Body,
		Priority:       priority,
		ScheduledFor:   scheduledFor,
		Status:         domain.MessageStatusQueued,
		MaxRetries:     s.maxRetries,
	}
	if err := s.repo.CreateEmailAlert(ctx, alert); err != nil {
		return "", fmt.Errorf("queue email alert: %w", err)
	}

	ctxlog.FromContext(ctx).Info("email alert queued",
		"alert_id", alert.ID,
		"facility_id", alert.FacilityID,
		"priority", alert.Priority,
		"scheduled_for", alert.ScheduledFor,
	)
	return alert.ID, nil
}

// GetSettings returns the notification settings of a facility, or the
// defaults when it has none.
func (s *Service) GetSettings(ctx context.Context, facilityID string) *domain.FacilityNotificationConfig {
	return s.router.FacilityConfig(ctx, facilityID)
}

// UpdateSettings validates and stores the notification settings of a facility.
func (s *Service) UpdateSettings(ctx context.Context, cfg *domain.FacilityNotificationConfig) (*domain.FacilityNotificationConfig, error) {
	if err := validateSettings(cfg); err != nil {
		return nil, err
	}
	if err := s.repo.UpsertFacilityConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save notification settings: %w", err)
	}
	return cfg, nil
}

// ListIncidentMessages returns the messages of an incident that belong to facilityID.
func (s *Service) ListIncidentMessages(ctx context.Context, facilityID, incidentID string) ([]domain.NotificationMessage, error) {
	messages, err := s.repo.ListIncidentMessages(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list incident messages: %w", err)
	}

	owned := make([]domain.NotificationMessage, 0, len(messages))
	for _, m := range messages {
		if m.FacilityID == facilityID {
			owned = append(owned, m)
		}
	}
	return owned, nil
}

// ListMessageAttempts returns the delivery audit log of a message.
func (s *Service) ListMessageAttempts(ctx context.Context, facilityID, messageID string) ([]domain.DeliveryAttempt, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.FacilityID != facilityID {
		return nil, ErrMessageNotFound
	}

	attempts, err := s.repo.ListAttempts(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	return attempts, nil
}

func validateSettings(cfg *domain.FacilityNotificationConfig) error {
	if cfg.FacilityID == "" {
		return domain.NewValidationError("facility_id", "is required")
	}
	for _, ch := range cfg.Channels {
		if ch != domain.ChannelTypeEmail && ch != domain.ChannelTypeWebhook {
			return domain.NewValidationError("channels", fmt.Sprintf("unknown channel %q", ch))
		}
	}
	if cfg.WebhookURL != "" {
		u, err := url.ParseRequestURI(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.NewValidationError("webhook_url", "must be an http or https URL")
		}
	} else if containsChannel(cfg.Channels, domain.ChannelTypeWebhook) {
		return domain.NewValidationError("webhook_url", "is required for the webhook channel")
	}
	if cfg.DefaultDelay < 0 {
		return domain.NewValidationError("default_delay", "must not be negative")
	}

	addresses := map[string][]string{
		"regulators":            cfg.Regulators,
		"escalation.supervisor": cfg.Escalation.Supervisor,
		"escalation.manager":    cfg.Escalation.Manager,
		"escalation.director":   cfg.Escalation.Director,
		"escalation.executive":  cfg.Escalation.Executive,
	}
	if cfg.ClinicManagerEmail != "" {
		addresses["clinic_manager_email"] = []string{cfg.ClinicManagerEmail}
	}
	for field, list := range addresses {
		for _, addr := range list {
			if !emailPattern.MatchString(addr) {
				return domain.NewValidationError(field, fmt.Sprintf("invalid email address %q", addr))
			}
		}
	}
	return nil
}
