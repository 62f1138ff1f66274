package notifications

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = httputil.WithStoreErrors(
	httputil.ErrorMapping{Error: domain.ErrConflict, Status: http.StatusConflict},
)

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers read routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents/{id}/notifications", h.ListIncidentNotifications)
	r.Get("/notifications/{id}/attempts", h.ListAttempts)
	r.Get("/facility/notification-settings", h.GetSettings)
}

// RegisterOperatorRoutes registers routes that require the operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/email-alerts", h.QueueEmailAlert)
}

// RegisterAdminRoutes registers routes that require the admin role.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Put("/facility/notification-settings", h.UpdateSettings)
}

// QueueEmailAlertRequest represents request body for queueing an email alert.
// The recipient format is checked by the service.
type QueueEmailAlertRequest struct {
	IncidentID     *string    `json:"incident_id" validate:"omitempty,uuid"`
	RecipientEmail string     `json:"recipient_email" validate:"required,max=320"`
	RecipientType  string     `json:"recipient_type" validate:"required,max=64"`
	Subject        string     `json:"subject" validate:"required,max=500"`
	Body           string     `json:"body" validate:"required,max=20000"`
	Priority       string     `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
}

// QueueEmailAlertResponse carries the queue id of a stored alert.
type QueueEmailAlertResponse struct {
	QueueID string `json:"queue_id"`
}

// Settings is the HTTP representation of facility notification settings.
type Settings struct {
	AutoNotificationEnabled bool                      `json:"auto_notification_enabled"`
	Regulators              []string                  `json:"regulators" validate:"max=50"`
	ClinicManagerName       string                    `json:"clinic_manager_name" validate:"max=200"`
	ClinicManagerEmail      string                    `json:"clinic_manager_email" validate:"max=320"`
	WebhookURL              string                    `json:"webhook_url" validate:"max=2048"`
	Channels                []string                  `json:"channels" validate:"dive,oneof=email webhook"`
	DefaultDelayMinutes     int                       `json:"default_delay_minutes" validate:"gte=0,lte=10080"`
	Escalation              domain.EscalationContacts `json:"escalation"`
}

func settingsFromDomain(cfg *domain.FacilityNotificationConfig) Settings {
	s := Settings{
		AutoNotificationEnabled: cfg.AutoNotificationEnabled,
		Regulators:              cfg.Regulators,
		ClinicManagerName:       cfg.ClinicManagerName,
		ClinicManagerEmail:      cfg.ClinicManagerEmail,
		WebhookURL:              cfg.WebhookURL,
		DefaultDelayMinutes:     int(cfg.DefaultDelay / time.Minute),
		Escalation:              cfg.Escalation,
	}
	for _, ch := range cfg.Channels {
		s.Channels = append(s.Channels, string(ch))
	}
	return s
}

func (s Settings) toDomain(facilityID string) *domain.FacilityNotificationConfig {
	cfg := &domain.FacilityNotificationConfig{
		FacilityID:              facilityID,
		AutoNotificationEnabled: s.AutoNotificationEnabled,
		Regulators:              s.Regulators,
		ClinicManagerName:       s.ClinicManagerName,
		ClinicManagerEmail:      s.ClinicManagerEmail,
		WebhookURL:              s.WebhookURL,
		DefaultDelay:            time.Duration(s.DefaultDelayMinutes) * time.Minute,
		Escalation:              s.Escalation,
	}
	for _, ch := range s.Channels {
		cfg.Channels = append(cfg.Channels, domain.ChannelType(ch))
	}
	return cfg
}

// QueueEmailAlert handles POST /email-alerts.
func (h *Handler) QueueEmailAlert(w http.ResponseWriter, r *http.Request) {
	var req QueueEmailAlertRequest
	if !h.decode(w, r, &req) {
		return
	}

	queueID, err := h.service.QueueEmailAlert(r.Context(), QueueEmailAlertParams{
		FacilityID:     httputil.GetFacilityID(r.Context()),
		IncidentID:     req.IncidentID,
		RecipientEmail: req.RecipientEmail,
		RecipientType:  req.RecipientType,
		Subject:        req.Subject,
		Body:           req.Body,
		Priority:       domain.AlertPriority(req.Priority),
		ScheduledFor:   req.ScheduledFor,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, QueueEmailAlertResponse{QueueID: queueID})
}

// ListIncidentNotifications handles GET /incidents/{id}/notifications.
func (h *Handler) ListIncidentNotifications(w http.ResponseWriter, r *http.Request) {
	messages, err := h.service.ListIncidentMessages(r.Context(),
		httputil.GetFacilityID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, messages)
}

// ListAttempts handles GET /notifications/{id}/attempts.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListMessageAttempts(r.Context(),
		httputil.GetFacilityID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, attempts)
}

// GetSettings handles GET /facility/notification-settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := h.service.GetSettings(r.Context(), httputil.GetFacilityID(r.Context()))
	httputil.Success(w, http.StatusOK, settingsFromDomain(cfg))
}

// UpdateSettings handles PUT /facility/notification-settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if !h.decode(w, r, &req) {
		return
	}

	cfg, err := h.service.UpdateSettings(r.Context(), req.toDomain(httputil.GetFacilityID(r.Context())))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, settingsFromDomain(cfg))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}
