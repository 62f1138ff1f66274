package incidents

import (
	"context"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// NumberFunc turns the facility's sequence number for the day into an incident number.
type NumberFunc func(seq int) string

// Repository defines the interface for incident storage.
// Implementations report transient failures wrapped in domain.ErrTransient.
type Repository interface {
	// CreateIncident allocates the next sequence for the incident's facility
	// and creation day, assigns the number, and inserts the incident together
	// with its workflow steps in one transaction. The caller sets incident.ID;
	// when that ID is already stored, incident is filled from the stored row
	// and nil is returned.
	CreateIncident(ctx context.Context, incident *domain.Incident, stepNames []string, number NumberFunc) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error)

	UpdateStatus(ctx context.Context, id string, status domain.IncidentStatus) error
	// TransitionStatus moves the incident to "to" only if its current status is in "from".
	TransitionStatus(ctx context.Context, id string, from []domain.IncidentStatus, to StatusChange) error
	MarkRegulatoryNotificationSent(ctx context.Context, id string, at time.Time) error

	ListSteps(ctx context.Context, incidentID string) ([]domain.WorkflowStep, error)
	// UpdateWorkflow saves steps and optional incident status if the incident's
	// workflow version still equals ExpectedVersion, then bumps the version.
	UpdateWorkflow(ctx context.Context, update WorkflowUpdate) error
}

// IncidentFilter selects incidents for listing.
type IncidentFilter struct {
	FacilityID string
	Statuses   []domain.IncidentStatus
	Limit      int
}

// StatusChange describes a guarded status transition.
type StatusChange struct {
	Status     domain.IncidentStatus
	OperatorID string
	Notes      *string
	At         time.Time
	// Resolve stamps resolved_by and resolved_at.
	Resolve bool
}

// WorkflowUpdate is an optimistic write of workflow state.
type WorkflowUpdate struct {
	IncidentID      string
	ExpectedVersion int
	Steps           []domain.WorkflowStep
	Status          *domain.IncidentStatus
	Notes           *string
}
