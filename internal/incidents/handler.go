package incidents

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
	httputil.ErrorMapping{Error: domain.ErrConflict, Status: http.StatusConflict, Message: "incident was modified concurrently, reload and retry"},
	httputil.ErrorMapping{Error: domain.ErrUnavailable, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable, please retry"},
	httputil.ErrorMapping{Error: domain.ErrDelivery, Status: http.StatusBadGateway, Message: "notification delivery failed"},
)

// Handler handles HTTP requests for incidents, workflows and tool checks.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers read routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/active", h.GetActiveIncidents)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/incidents/{id}/workflow", h.GetWorkflowStatus)

	r.Get("/tools/{toolID}/validation", h.ValidateToolUse)
	r.Get("/tools/{toolID}/availability", h.ValidateToolForUse)
}

// RegisterOperatorRoutes registers mutating routes (require operator role).
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/incidents", h.CreateIncident)
	r.Post("/incidents/{id}/resolve", h.ResolveIncident)
	r.Post("/incidents/{id}/close", h.CloseIncident)
	r.Patch("/incidents/{id}/status", h.UpdateStatus)
	r.Post("/incidents/{id}/regulatory-notice", h.SendRegulatoryNotice)

	// Flat patterns: a subrouter on /incidents/{id}/workflow would shadow
	// the GET registered by RegisterRoutes.
	r.Post("/incidents/{id}/workflow/steps/{stepID}/advance", h.AdvanceStep)
	r.Post("/incidents/{id}/workflow/steps/{stepID}/fail", h.FailStep)
	r.Post("/incidents/{id}/workflow/cancel", h.CancelWorkflow)
	r.Post("/incidents/{id}/workflow/reset", h.ResetWorkflow)
}

// CreateIncidentRequest represents request body for recording a BI failure.
type CreateIncidentRequest struct {
	FailureDate        *time.Time `json:"failure_date"`
	AffectedToolsCount int        `json:"affected_tools_count" validate:"required,gt=0"`
	AffectedBatchIDs   []string   `json:"affected_batch_ids" validate:"required,min=1,dive,required,max=128"`
	FailureReason      *string    `json:"failure_reason" validate:"omitempty,max=2000"`
	SeverityLevel      string     `json:"severity_level" validate:"required,oneof=low medium high critical"`
	ResolutionDeadline *time.Time `json:"resolution_deadline"`
}

// ResolveIncidentRequest represents request body for resolving or closing.
type ResolveIncidentRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

// UpdateStatusRequest represents request body for a direct status change.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active in_resolution resolved closed investigating"`
}

// StepRequest represents request body for advancing or failing a step.
type StepRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

// CancelWorkflowRequest represents request body for cancelling a workflow.
type CancelWorkflowRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// ResetWorkflowRequest represents request body for resetting a workflow.
type ResetWorkflowRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// CreateIncident handles POST /incidents.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if !h.decode(w, r, &req) {
		return
	}

	params := CreateIncidentParams{
		FacilityID:           httputil.GetFacilityID(r.Context()),
		DetectedByOperatorID: httputil.GetUserID(r.Context()),
		AffectedToolsCount:   req.AffectedToolsCount,
		AffectedBatchIDs:     req.AffectedBatchIDs,
		FailureReason:        req.FailureReason,
		SeverityLevel:        domain.Severity(req.SeverityLevel),
		ResolutionDeadline:   req.ResolutionDeadline,
	}
	if req.FailureDate != nil {
		params.FailureDate = *req.FailureDate
	}

	incident, err := h.service.CreateIncident(r.Context(), params)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, incident)
}

// ListIncidents handles GET /incidents?status=.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := IncidentFilter{FacilityID: httputil.GetFacilityID(r.Context())}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, domain.IncidentStatus(s))
	}

	incidents, err := h.service.ListIncidents(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incidents)
}

// GetActiveIncidents handles GET /incidents/active.
func (h *Handler) GetActiveIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.service.GetActiveIncidents(r.Context(), httputil.GetFacilityID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, incidents)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// ResolveIncident handles POST /incidents/{id}/resolve.
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveIncidentRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	resolved, err := h.service.ResolveIncident(r.Context(), incident.ID, httputil.GetUserID(r.Context()), req.Notes)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, resolved)
}

// CloseIncident handles POST /incidents/{id}/close.
func (h *Handler) CloseIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveIncidentRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	closed, err := h.service.CloseIncident(r.Context(), incident.ID, httputil.GetUserID(r.Context()), req.Notes)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, closed)
}

// UpdateStatus handles PATCH /incidents/{id}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	updated, err := h.service.UpdateStatus(r.Context(), incident.ID, domain.IncidentStatus(req.Status), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, updated)
}

// SendRegulatoryNotice handles POST /incidents/{id}/regulatory-notice.
func (h *Handler) SendRegulatoryNotice(w http.ResponseWriter, r *http.Request) {
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	if err := h.service.SendRegulatoryNotice(r.Context(), incident.ID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetWorkflowStatus handles GET /incidents/{id}/workflow.
func (h *Handler) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	info, err := h.service.GetWorkflowStatus(r.Context(), incident.ID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, info)
}

// AdvanceStep handles POST /incidents/{id}/workflow/steps/{stepID}/advance.
func (h *Handler) AdvanceStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	info, err := h.service.AdvanceStep(r.Context(), incident.ID, chi.URLParam(r, "stepID"), httputil.GetUserID(r.Context()), req.Notes)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, info)
}

// FailStep handles POST /incidents/{id}/workflow/steps/{stepID}/fail.
func (h *Handler) FailStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	info, err := h.service.FailStep(r.Context(), incident.ID, chi.URLParam(r, "stepID"), httputil.GetUserID(r.Context()), req.Notes)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, info)
}

// CancelWorkflow handles POST /incidents/{id}/workflow/cancel.
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CancelWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	info, err := h.service.CancelWorkflow(r.Context(), incident.ID, httputil.GetUserID(r.Context()), req.Reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, info)
}

// ResetWorkflow handles POST /incidents/{id}/workflow/reset.
func (h *Handler) ResetWorkflow(w http.ResponseWriter, r *http.Request) {
	var req ResetWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	incident, ok := h.ownedIncident(w, r)
	if !ok {
		return
	}

	info, err := h.service.ResetWorkflow(r.Context(), incident.ID, httputil.GetUserID(r.Context()), req.Reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, info)
}

// ValidateToolUse handles GET /tools/{toolID}/validation.
func (h *Handler) ValidateToolUse(w http.ResponseWriter, r *http.Request) {
	result := h.service.ValidateToolUse(r.Context(), chi.URLParam(r, "toolID"))
	httputil.Success(w, http.StatusOK, result)
}

// ToolAvailability is the response of the facility-wide tool check.
type ToolAvailability struct {
	ToolID     string `json:"tool_id"`
	FacilityID string `json:"facility_id"`
	Available  bool   `json:"available"`
}

// ValidateToolForUse handles GET /tools/{toolID}/availability.
func (h *Handler) ValidateToolForUse(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	facilityID := httputil.GetFacilityID(r.Context())

	ok, err := h.service.ValidateToolForUse(r.Context(), toolID, facilityID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, ToolAvailability{ToolID: toolID, FacilityID: facilityID, Available: ok})
}

// decode reads and validates a JSON body. An empty body is allowed and
// leaves req at its zero value before validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return false
		}
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

// ownedIncident loads the {id} incident and hides incidents of other facilities.
func (h *Handler) ownedIncident(w http.ResponseWriter, r *http.Request) (*domain.Incident, bool) {
	incident, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return nil, false
	}

	if incident.FacilityID != httputil.GetFacilityID(r.Context()) {
		httputil.Error(w, http.StatusNotFound, "incident not found")
		return nil, false
	}
	return incident, true
}
