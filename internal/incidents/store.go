// Package incidents manages BI sterilization failure incidents: their
// storage, numbering, remediation workflow and the service facade.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
	"github.com/google/uuid"
)

// CreateIncidentParams holds data for recording a BI failure.
type CreateIncidentParams struct {
	FacilityID           string
	FailureDate          time.Time
	DetectedByOperatorID string
	AffectedToolsCount   int
	AffectedBatchIDs     []string
	FailureReason        *string
	SeverityLevel        domain.Severity
	ResolutionDeadline   *time.Time
}

// Validate checks the params before anything is written.
func (p CreateIncidentParams) Validate() error {
	if strings.TrimSpace(p.FacilityID) == "" {
		return domain.NewValidationError("facility_id", "is required")
	}
	if p.AffectedToolsCount <= 0 {
		return domain.NewValidationError("affected_tools_count", "must be greater than zero")
	}
	if len(p.AffectedBatchIDs) == 0 {
		return domain.NewValidationError("affected_batch_ids", "must not be empty")
	}
	for _, id := range p.AffectedBatchIDs {
		if strings.TrimSpace(id) == "" {
			return domain.NewValidationError("affected_batch_ids", "must not contain empty ids")
		}
	}
	if !p.SeverityLevel.IsValid() {
		return domain.NewValidationError("severity_level", fmt.Sprintf("unknown severity %q", p.SeverityLevel))
	}
	return nil
}

// Store is the durable, facility-scoped CRUD layer for incidents.
// Every repository call runs under the store retry policy.
type Store struct {
	repo     Repository
	numberer *Numberer
	steps    []string
	policy   retry.Policy
	now      func() time.Time
}

// NewStore creates a new incident store. Empty steps use domain.DefaultWorkflowSteps.
func NewStore(repo Repository, numberer *Numberer, policy retry.Policy, steps []string) *Store {
	if len(steps) == 0 {
		steps = domain.DefaultWorkflowSteps
	}
	if policy.OnRetry == nil {
		policy.OnRetry = recordStoreRetry
	}
	return &Store{
		repo:     repo,
		numberer: numberer,
		steps:    steps,
		policy:   policy,
		now:      time.Now,
	}
}

// CreateIncident validates params and persists a new active incident
// together with its pending workflow steps.
func (s *Store) CreateIncident(ctx context.Context, params CreateIncidentParams) (*domain.Incident, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	failureDate := params.FailureDate
	if failureDate.IsZero() {
		failureDate = now
	}

	batchIDs := make([]string, len(params.AffectedBatchIDs))
	copy(batchIDs, params.AffectedBatchIDs)

	incident := &domain.Incident{
		ID:                             uuid.NewString(),
		FacilityID:                     params.FacilityID,
		FailureDate:                    failureDate,
		DetectedByOperatorID:           params.DetectedByOperatorID,
		AffectedToolsCount:             params.AffectedToolsCount,
		AffectedBatchIDs:               batchIDs,
		FailureReason:                  params.FailureReason,
		SeverityLevel:                  params.SeverityLevel,
		Status:                         domain.IncidentStatusActive,
		ResolutionDeadline:             params.ResolutionDeadline,
		RegulatoryNotificationRequired: domain.RequiresRegulatoryNotification(params.SeverityLevel, params.AffectedToolsCount),
		RegulatoryNotificationSent:     false,
		CreatedAt:                      now,
		UpdatedAt:                      now,
	}

	// A fixed ID makes a retry after a lost commit return the stored incident.
	number := s.numberer.For(params.FacilityID, now)
	err := s.policy.Do(ctx, "create_incident", func(ctx context.Context) error {
		return s.repo.CreateIncident(ctx, incident, s.steps, number)
	})
	if err != nil {
		return nil, classify(ctx, "create_incident", err, "facility_id", params.FacilityID)
	}

	incidentsCreated.WithLabelValues(string(incident.SeverityLevel)).Inc()
	ctxlog.FromContext(ctx).Info("incident created",
		"incident_id", incident.ID,
		"incident_number", incident.IncidentNumber,
		"facility_id", incident.FacilityID,
		"severity", incident.SeverityLevel,
		"regulatory_required", incident.RegulatoryNotificationRequired,
	)

	return incident, nil
}

// GetActiveIncidents returns the open incidents of a facility, newest
// failure first. Investigating incidents count as open.
func (s *Store) GetActiveIncidents(ctx context.Context, facilityID string) ([]domain.Incident, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, domain.NewValidationError("facility_id", "is required")
	}
	return s.ListIncidents(ctx, IncidentFilter{
		FacilityID: facilityID,
		Statuses:   domain.OpenIncidentStatuses(),
	})
}

// ListIncidents returns incidents matching filter, newest failure first.
func (s *Store) ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error) {
	if strings.TrimSpace(filter.FacilityID) == "" {
		return nil, domain.NewValidationError("facility_id", "is required")
	}
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return nil, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", st))
		}
	}

	var incidents []domain.Incident
	err := s.policy.Do(ctx, "list_incidents", func(ctx context.Context) error {
		var err error
		incidents, err = s.repo.ListIncidents(ctx, filter)
		return err
	})
	if err != nil {
		return nil, classify(ctx, "list_incidents", err, "facility_id", filter.FacilityID)
	}
	return incidents, nil
}

// GetIncidentByID returns nil without error when the incident does not exist.
func (s *Store) GetIncidentByID(ctx context.Context, id string) (*domain.Incident, error) {
	incident, err := s.getIncident(ctx, id)
	if errors.Is(err, ErrIncidentNotFound) {
		return nil, nil
	}
	return incident, err
}

func (s *Store) getIncident(ctx context.Context, id string) (*domain.Incident, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.NewValidationError("id", "is required")
	}

	var incident *domain.Incident
	err := s.policy.Do(ctx, "get_incident", func(ctx context.Context) error {
		var err error
		incident, err = s.repo.GetIncident(ctx, id)
		return err
	})
	if err != nil {
		return nil, classify(ctx, "get_incident", err, "incident_id", id)
	}
	return incident, nil
}

// ResolveIncident marks an open incident as resolved.
func (s *Store) ResolveIncident(ctx context.Context, id, resolvedBy, notes string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, domain.NewValidationError("id", "is required")
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return false, domain.NewValidationError("resolved_by", "is required")
	}

	change := StatusChange{
		Status:     domain.IncidentStatusResolved,
		OperatorID: resolvedBy,
		Notes:      optional(notes),
		At:         s.now().UTC(),
		Resolve:    true,
	}
	from := domain.OpenIncidentStatuses()

	err := s.policy.Do(ctx, "resolve_incident", func(ctx context.Context) error {
		return s.repo.TransitionStatus(ctx, id, from, change)
	})
	if err != nil {
		return false, classify(ctx, "resolve_incident", err, "incident_id", id)
	}
	return true, nil
}

// CloseIncident moves a resolved incident to its terminal closed status.
func (s *Store) CloseIncident(ctx context.Context, id, closedBy, notes string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, domain.NewValidationError("id", "is required")
	}

	change := StatusChange{
		Status:     domain.IncidentStatusClosed,
		OperatorID: closedBy,
		Notes:      optional(notes),
		At:         s.now().UTC(),
	}
	from := []domain.IncidentStatus{domain.IncidentStatusResolved}

	err := s.policy.Do(ctx, "close_incident", func(ctx context.Context) error {
		return s.repo.TransitionStatus(ctx, id, from, change)
	})
	if err != nil {
		return false, classify(ctx, "close_incident", err, "incident_id", id)
	}
	return true, nil
}

// UpdateStatus writes status directly. Ordering rules are enforced by the
// workflow engine, not here.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.IncidentStatus, updatedBy string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, domain.NewValidationError("id", "is required")
	}
	if !status.IsValid() {
		return false, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	err := s.policy.Do(ctx, "update_status", func(ctx context.Context) error {
		return s.repo.UpdateStatus(ctx, id, status)
	})
	if err != nil {
		return false, classify(ctx, "update_status", err, "incident_id", id)
	}

	ctxlog.FromContext(ctx).Info("incident status updated",
		"incident_id", id,
		"status", status,
		"updated_by", updatedBy,
	)
	return true, nil
}

// MarkRegulatoryNotificationSent records a successful regulatory dispatch.
func (s *Store) MarkRegulatoryNotificationSent(ctx context.Context, id string, at time.Time) error {
	err := s.policy.Do(ctx, "mark_regulatory_sent", func(ctx context.Context) error {
		return s.repo.MarkRegulatoryNotificationSent(ctx, id, at)
	})
	if err != nil {
		return classify(ctx, "mark_regulatory_sent", err, "incident_id", id)
	}
	return nil
}

// classify logs errors that are not part of the expected taxonomy and
// wraps them in domain.ErrUnexpected.
func classify(ctx context.Context, op string, err error, attrs ...any) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict):
		return err
	case errors.Is(err, domain.ErrTransient):
		ctxlog.FromContext(ctx).Warn("incident store retries exhausted",
			append([]any{"operation", op, "error", err}, attrs...)...)
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	ctxlog.FromContext(ctx).Error("incident store operation failed",
		append([]any{"operation", op, "error", err}, attrs...)...)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnexpected, err)
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
