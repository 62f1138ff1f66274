package domain

import "time"

// StepStatus represents the status of a single workflow step.
type StepStatus string

// Step statuses. Completed, failed and skipped are terminal.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether no further transitions are allowed for the step.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Default remediation steps, in order.
var DefaultWorkflowSteps = []string{
	"containment",
	"investigation",
	"corrective_action",
	"verification",
}

// WorkflowStep is one ordered remediation stage of an incident.
type WorkflowStep struct {
	ID                 string     `json:"id"`
	IncidentID         string     `json:"incident_id"`
	Position           int        `json:"position"`
	StepName           string     `json:"step_name"`
	Status             StepStatus `json:"status"`
	AssignedOperatorID *string    `json:"assigned_operator_id"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	Notes              *string    `json:"notes"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// WorkflowOverallStatus is the aggregate state derived from all steps.
type WorkflowOverallStatus string

// Overall workflow statuses.
const (
	WorkflowStatusActive    WorkflowOverallStatus = "active"
	WorkflowStatusPaused    WorkflowOverallStatus = "paused"
	WorkflowStatusCancelled WorkflowOverallStatus = "cancelled"
	WorkflowStatusCompleted WorkflowOverallStatus = "completed"
)

// WorkflowStatusInfo summarizes remediation progress for an incident.
type WorkflowStatusInfo struct {
	IncidentID          string                `json:"incident_id"`
	CurrentStep         *WorkflowStep         `json:"current_step"`
	OverallStatus       WorkflowOverallStatus `json:"overall_status"`
	CompletedSteps      int                   `json:"completed_steps"`
	TotalSteps          int                   `json:"total_steps"`
	Progress            int                   `json:"progress"`
	EstimatedCompletion *time.Time            `json:"estimated_completion"`
	Steps               []WorkflowStep        `json:"steps"`
}
