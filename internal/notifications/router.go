package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
)

// DefaultDelay is the email alert delay used when no facility value exists.
const DefaultDelay = 30 * time.Minute

// RouterConfig holds the fallback routing settings.
type RouterConfig struct {
	DefaultRegulators []string
	DefaultChannels   []domain.ChannelType
	DefaultDelay      time.Duration
	MaxRetries        int
	// BaseURL links messages to the incident UI when set.
	BaseURL string
}

// Router decides who is notified about an incident and builds the messages.
type Router struct {
	repo     Repository
	renderer *Renderer
	config   RouterConfig
}

// NewRouter creates a new notification router.
func NewRouter(repo Repository, renderer *Renderer, config RouterConfig) *Router {
	if len(config.DefaultChannels) == 0 {
		config.DefaultChannels = []domain.ChannelType{domain.ChannelTypeEmail, domain.ChannelTypeWebhook}
	}
	if config.DefaultDelay <= 0 {
		config.DefaultDelay = DefaultDelay
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = domain.DefaultMaxRetries
	}
	return &Router{
		repo:     repo,
		renderer: renderer,
		config:   config,
	}
}

// DefaultFacilityConfig returns the settings used for facilities that
// have not configured notifications.
func (r *Router) DefaultFacilityConfig(facilityID string) *domain.FacilityNotificationConfig {
	return &domain.FacilityNotificationConfig{
		FacilityID:              facilityID,
		AutoNotificationEnabled: true,
		Regulators:              append([]string(nil), r.config.DefaultRegulators...),
		Channels:                append([]domain.ChannelType(nil), r.config.DefaultChannels...),
		DefaultDelay:            r.config.DefaultDelay,
	}
}

// FacilityConfig returns the facility settings. It never fails: read
// errors and missing settings fall back to DefaultFacilityConfig.
func (r *Router) FacilityConfig(ctx context.Context, facilityID string) *domain.FacilityNotificationConfig {
	cfg, err := r.repo.GetFacilityConfig(ctx, facilityID)
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			ctxlog.FromContext(ctx).Warn("facility notification config unavailable, using defaults",
				"facility_id", facilityID,
				"error", err,
			)
		}
		return r.DefaultFacilityConfig(facilityID)
	}
	// A stored zero delay means alerts go out immediately.
	if cfg.DefaultDelay < 0 {
		cfg.DefaultDelay = r.config.DefaultDelay
	}
	return cfg
}

// RegulatoryRequired reports whether a regulator notice is sent
// automatically: high impact severity at a facility with automatic
// notifications enabled.
func (r *Router) RegulatoryRequired(ctx context.Context, incident *domain.Incident) bool {
	if !incident.SeverityLevel.IsHighImpact() {
		return false
	}
	return r.FacilityConfig(ctx, incident.FacilityID).AutoNotificationEnabled
}

// UrgencyLabel describes how fast recipients must react to a severity.
func UrgencyLabel(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return "immediate action"
	case domain.SeverityHigh:
		return "urgent"
	case domain.SeverityMedium:
		return "attention required"
	default:
		return "for your information"
	}
}

// escalationTier names the highest tier reached by a severity.
func escalationTier(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return "executive"
	case domain.SeverityHigh:
		return "director"
	case domain.SeverityMedium:
		return "manager"
	default:
		return "supervisor"
	}
}

// EscalationRecipients returns the contacts of every tier up to the one
// the severity reaches, without duplicates, in tier order.
func EscalationRecipients(cfg *domain.FacilityNotificationConfig, severity domain.Severity) []string {
	tiers := [][]string{cfg.Escalation.Supervisor}
	switch severity {
	case domain.SeverityCritical:
		tiers = append(tiers, cfg.Escalation.Manager, cfg.Escalation.Director, cfg.Escalation.Executive)
	case domain.SeverityHigh:
		tiers = append(tiers, cfg.Escalation.Manager, cfg.Escalation.Director)
	case domain.SeverityMedium:
		tiers = append(tiers, cfg.Escalation.Manager)
	}
	return dedupe(tiers...)
}

// BuildMessage renders one message of the given type for an incident.
// It returns ErrNoRecipients when no configured channel can deliver it.
func (r *Router) BuildMessage(ctx context.Context, incident *domain.Incident, messageType domain.MessageType) (*domain.NotificationMessage, error) {
	cfg := r.FacilityConfig(ctx, incident.FacilityID)
	return r.buildMessage(cfg, incident, messageType)
}

// BuildMessages renders the messages of the given types, skipping types
// nobody can receive.
func (r *Router) BuildMessages(ctx context.Context, incident *domain.Incident, messageTypes ...domain.MessageType) ([]*domain.NotificationMessage, error) {
	cfg := r.FacilityConfig(ctx, incident.FacilityID)

	messages := make([]*domain.NotificationMessage, 0, len(messageTypes))
	for _, mt := range messageTypes {
		msg, err := r.buildMessage(cfg, incident, mt)
		if errors.Is(err, ErrNoRecipients) {
			ctxlog.FromContext(ctx).Debug("no recipients for notification",
				"incident_id", incident.ID,
				"message_type", mt,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *Router) buildMessage(cfg *domain.FacilityNotificationConfig, incident *domain.Incident, messageType domain.MessageType) (*domain.NotificationMessage, error) {
	recipients := r.recipients(cfg, incident.SeverityLevel, messageType)
	channels := deliverableChannels(cfg, recipients)
	if len(channels) == 0 {
		return nil, ErrNoRecipients
	}

	subject, body, err := r.renderer.Render(MessagePayload{
		Incident:    incident,
		MessageType: messageType,
		Urgency:     UrgencyLabel(incident.SeverityLevel),
		ManagerName: cfg.ClinicManagerName,
		Tier:        escalationTier(incident.SeverityLevel),
		Link:        r.incidentLink(incident.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("render %s message: %w", messageType, err)
	}

	msg := &domain.NotificationMessage{
		IncidentID:  incident.ID,
		FacilityID:  incident.FacilityID,
		Severity:    incident.SeverityLevel,
		MessageType: messageType,
		Recipients:  recipients,
		Channels:    channels,
		Subject:     subject,
		Body:        body,
		Status:      domain.MessageStatusPending,
		MaxRetries:  r.config.MaxRetries,
	}
	if containsChannel(channels, domain.ChannelTypeWebhook) {
		msg.WebhookURL = cfg.WebhookURL
	}
	msg.DedupKey = dedupKey(incident, messageType)
	return msg, nil
}

// dedupKey lets a reopened and resolved-again incident get a fresh
// resolution notice while repeated events for one resolution stay single.
func dedupKey(incident *domain.Incident, messageType domain.MessageType) string {
	if messageType != domain.MessageTypeResolution || incident.ResolvedAt == nil {
		return ""
	}
	return incident.ResolvedAt.UTC().Format(time.RFC3339Nano)
}

func (r *Router) recipients(cfg *domain.FacilityNotificationConfig, severity domain.Severity, messageType domain.MessageType) []string {
	switch messageType {
	case domain.MessageTypeRegulatory:
		return dedupe(cfg.Regulators)
	case domain.MessageTypeClinicManager:
		return dedupe([]string{cfg.ClinicManagerEmail})
	case domain.MessageTypeEscalation:
		return EscalationRecipients(cfg, severity)
	case domain.MessageTypeResolution:
		return dedupe([]string{cfg.ClinicManagerEmail}, EscalationRecipients(cfg, severity))
	}
	return nil
}

// deliverableChannels keeps the configured channels that have a target:
// email needs recipients, webhook needs a URL.
func deliverableChannels(cfg *domain.FacilityNotificationConfig, recipients []string) []domain.ChannelType {
	var channels []domain.ChannelType
	for _, ch := range cfg.Channels {
		switch {
		case ch == domain.ChannelTypeEmail && len(recipients) > 0:
		case ch == domain.ChannelTypeWebhook && cfg.WebhookURL != "":
		default:
			continue
		}
		if !containsChannel(channels, ch) {
			channels = append(channels, ch)
		}
	}
	return channels
}

func (r *Router) incidentLink(incidentID string) string {
	if r.config.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(r.config.BaseURL, "/") + "/incidents/" + incidentID
}

func containsChannel(channels []domain.ChannelType, ch domain.ChannelType) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			key := strings.ToLower(s)
			if s == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}
