package incidents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
)

// Notifier routes and dispatches incident notifications.
type Notifier interface {
	IncidentCreated(ctx context.Context, incident *domain.Incident) error
	IncidentResolved(ctx context.Context, incident *domain.Incident) error
	SendRegulatoryNotice(ctx context.Context, incident *domain.Incident) error
}

// Directory resolves the facility and operator of the current caller.
// Implementations return domain.ErrUnavailable when they cannot answer.
type Directory interface {
	CurrentFacilityID(ctx context.Context) (string, error)
	CurrentUserID(ctx context.Context) (string, error)
}

// ToolValidationResult classifies whether a tool may be used.
type ToolValidationResult string

// Tool validation results.
const (
	ToolApproved         ToolValidationResult = "approved"
	ToolQuarantineBreach ToolValidationResult = "quarantine_breach"
	ToolExposureWindow   ToolValidationResult = "exposure_window"
	ToolPendingReview    ToolValidationResult = "pending_review"
)

// ToolValidation is the outcome of checking a tool against open incidents.
type ToolValidation struct {
	ToolID                  string               `json:"tool_id"`
	CanUse                  bool                 `json:"can_use"`
	RequiresImmediateAction bool                 `json:"requires_immediate_action"`
	ValidationResult        ToolValidationResult `json:"validation_result"`
	IncidentNumbers         []string             `json:"incident_numbers,omitempty"`
}

// notifyTimeout bounds one background notification run.
const notifyTimeout = 2 * time.Minute

// Service is the single entry point for incident operations.
type Service struct {
	store     *Store
	workflow  *WorkflowEngine
	notifier  Notifier
	directory Directory

	pending sync.WaitGroup
}

// NewService creates a new incident service. notifier may be nil when
// notifications are disabled.
func NewService(store *Store, workflow *WorkflowEngine, notifier Notifier, directory Directory) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		store:     store,
		workflow:  workflow,
		notifier:  notifier,
		directory: directory,
	}
}

// CreateIncident records a BI failure and triggers its notifications in
// the background. Notification failures are logged and never fail the call.
func (s *Service) CreateIncident(ctx context.Context, params CreateIncidentParams) (*domain.Incident, error) {
	if params.FacilityID == "" {
		facilityID, err := s.directory.CurrentFacilityID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve facility: %w", err)
		}
		params.FacilityID = facilityID
	}
	if params.DetectedByOperatorID == "" {
		userID, err := s.directory.CurrentUserID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve operator: %w", err)
		}
		params.DetectedByOperatorID = userID
	}

	incident, err := s.store.CreateIncident(ctx, params)
	if err != nil {
		return nil, err
	}

	s.notifyAsync(ctx, "incident notifications failed", incident, s.notifier.IncidentCreated)

	return incident, nil
}

// GetIncident returns an incident or ErrIncidentNotFound.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	incident, err := s.store.GetIncidentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return nil, ErrIncidentNotFound
	}
	return incident, nil
}

// GetActiveIncidents lists open incidents of a facility.
func (s *Service) GetActiveIncidents(ctx context.Context, facilityID string) ([]domain.Incident, error) {
	return s.store.GetActiveIncidents(ctx, facilityID)
}

// ListIncidents lists incidents of a facility filtered by status.
func (s *Service) ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error) {
	return s.store.ListIncidents(ctx, filter)
}

// ResolveIncident resolves an incident and sends the resolution notice.
func (s *Service) ResolveIncident(ctx context.Context, id, resolvedBy, notes string) (*domain.Incident, error) {
	if _, err := s.store.ResolveIncident(ctx, id, resolvedBy, notes); err != nil {
		return nil, err
	}

	incident, err := s.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	s.notifyAsync(ctx, "resolution notification failed", incident, s.notifier.IncidentResolved)
	return incident, nil
}

// Wait blocks until background notifications started by the service finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// notifyAsync runs notify detached from the request context. Messages it
// cannot deliver stay queued for the worker.
func (s *Service) notifyAsync(ctx context.Context, failMsg string, incident *domain.Incident, notify func(context.Context, *domain.Incident) error) {
	logger := ctxlog.FromContext(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notification panicked", "incident_id", incident.ID, "panic", fmt.Sprint(r))
			}
		}()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		if err := notify(bgCtx, incident); err != nil {
			logger.Error(failMsg, "incident_id", incident.ID, "error", err)
		}
	}()
}

// CloseIncident closes a resolved incident.
func (s *Service) CloseIncident(ctx context.Context, id, closedBy, notes string) (*domain.Incident, error) {
	if _, err := s.store.CloseIncident(ctx, id, closedBy, notes); err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, id)
}

// UpdateStatus writes an incident status directly.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.IncidentStatus, updatedBy string) (*domain.Incident, error) {
	if _, err := s.store.UpdateStatus(ctx, id, status, updatedBy); err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, id)
}

// SendRegulatoryNotice dispatches the regulatory notice on demand.
// Delivery errors are returned to the caller.
func (s *Service) SendRegulatoryNotice(ctx context.Context, id string) error {
	incident, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if incident.RegulatoryNotificationSent {
		return domain.NewValidationError("regulatory_notification", "already sent")
	}
	return s.notifier.SendRegulatoryNotice(ctx, incident)
}

// AdvanceStep completes the current workflow step.
func (s *Service) AdvanceStep(ctx context.Context, incidentID, stepID, operatorID, notes string) (*domain.WorkflowStatusInfo, error) {
	if _, err := s.workflow.AdvanceStep(ctx, incidentID, stepID, operatorID, notes); err != nil {
		return nil, err
	}
	return s.workflow.GetWorkflowStatus(ctx, incidentID)
}

// FailStep marks the current workflow step failed.
func (s *Service) FailStep(ctx context.Context, incidentID, stepID, operatorID, notes string) (*domain.WorkflowStatusInfo, error) {
	if _, err := s.workflow.FailStep(ctx, incidentID, stepID, operatorID, notes); err != nil {
		return nil, err
	}
	return s.workflow.GetWorkflowStatus(ctx, incidentID)
}

// CancelWorkflow cancels the remaining workflow steps.
func (s *Service) CancelWorkflow(ctx context.Context, incidentID, cancelledBy, reason string) (*domain.WorkflowStatusInfo, error) {
	if _, err := s.workflow.CancelWorkflow(ctx, incidentID, cancelledBy, reason); err != nil {
		return nil, err
	}
	return s.workflow.GetWorkflowStatus(ctx, incidentID)
}

// ResetWorkflow restarts remediation from the first step.
func (s *Service) ResetWorkflow(ctx context.Context, incidentID, resetBy, reason string) (*domain.WorkflowStatusInfo, error) {
	if _, err := s.workflow.ResetWorkflow(ctx, incidentID, resetBy, reason); err != nil {
		return nil, err
	}
	return s.workflow.GetWorkflowStatus(ctx, incidentID)
}

// GetWorkflowStatus reports remediation progress.
func (s *Service) GetWorkflowStatus(ctx context.Context, incidentID string) (*domain.WorkflowStatusInfo, error) {
	return s.workflow.GetWorkflowStatus(ctx, incidentID)
}

// ValidateToolForUse reports whether any tool of the facility may be used.
// Any open incident at the facility blocks every tool.
func (s *Service) ValidateToolForUse(ctx context.Context, toolID, facilityID string) (bool, error) {
	active, err := s.store.GetActiveIncidents(ctx, facilityID)
	if err != nil {
		return false, err
	}

	ok := len(active) == 0
	if !ok {
		ctxlog.FromContext(ctx).Info("tool blocked by open incidents",
			"tool_id", toolID,
			"facility_id", facilityID,
			"open_incidents", len(active),
		)
	}
	return ok, nil
}

// ValidateToolUse checks one tool against the open incidents of the
// caller's facility. Internal errors yield pending_review, which forbids use.
func (s *Service) ValidateToolUse(ctx context.Context, toolID string) ToolValidation {
	result := s.validateToolUse(ctx, toolID)
	toolValidations.WithLabelValues(string(result.ValidationResult)).Inc()
	return result
}

func (s *Service) validateToolUse(ctx context.Context, toolID string) ToolValidation {
	pending := ToolValidation{ToolID: toolID, ValidationResult: ToolPendingReview}

	toolID = strings.TrimSpace(toolID)
	if toolID == "" {
		ctxlog.FromContext(ctx).Warn("tool validation without tool id")
		return pending
	}

	facilityID, err := s.directory.CurrentFacilityID(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Error("tool validation failed", "tool_id", toolID, "error", err)
		return pending
	}

	active, err := s.store.GetActiveIncidents(ctx, facilityID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("tool validation failed", "tool_id", toolID, "error", err)
		return pending
	}

	if len(active) == 0 {
		return ToolValidation{ToolID: toolID, CanUse: true, ValidationResult: ToolApproved}
	}

	var matched []string
	for _, incident := range active {
		if batchesMatchTool(incident.AffectedBatchIDs, toolID) {
			matched = append(matched, incident.IncidentNumber)
		}
	}
	if len(matched) > 0 {
		ctxlog.FromContext(ctx).Warn("tool in quarantine",
			"tool_id", toolID,
			"incidents", matched,
		)
		return ToolValidation{
			ToolID:                  toolID,
			RequiresImmediateAction: true,
			ValidationResult:        ToolQuarantineBreach,
			IncidentNumbers:         matched,
		}
	}

	numbers := make([]string, 0, len(active))
	for _, incident := range active {
		numbers = append(numbers, incident.IncidentNumber)
	}
	return ToolValidation{
		ToolID:           toolID,
		ValidationResult: ToolExposureWindow,
		IncidentNumbers:  numbers,
	}
}

// batchesMatchTool reports a case-insensitive substring match in either direction.
func batchesMatchTool(batchIDs []string, toolID string) bool {
	tool := strings.ToLower(toolID)
	for _, b := range batchIDs {
		batch := strings.ToLower(strings.TrimSpace(b))
		if batch == "" {
			continue
		}
		if strings.Contains(batch, tool) || strings.Contains(tool, batch) {
			return true
		}
	}
	return false
}

type noopNotifier struct{}

func (noopNotifier) IncidentCreated(context.Context, *domain.Incident) error  { return nil }
func (noopNotifier) IncidentResolved(context.Context, *domain.Incident) error { return nil }
func (noopNotifier) SendRegulatoryNotice(context.Context, *domain.Incident) error {
	return fmt.Errorf("notifications disabled: %w", domain.ErrUnavailable)
}
