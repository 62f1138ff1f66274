package incidents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
)

// estimatedStepDuration is the fixed ETA offset from the current step start.
const estimatedStepDuration = 30 * time.Minute

// WorkflowEngine drives the remediation steps of an incident.
// Writes are guarded by the incident's workflow version, so two operators
// racing on the same incident get domain.ErrConflict instead of a lost update.
type WorkflowEngine struct {
	repo   Repository
	policy retry.Policy
	now    func() time.Time
}

// NewWorkflowEngine creates a new workflow engine.
func NewWorkflowEngine(repo Repository, policy retry.Policy) *WorkflowEngine {
	if policy.OnRetry == nil {
		policy.OnRetry = recordStoreRetry
	}
	return &WorkflowEngine{
		repo:   repo,
		policy: policy,
		now:    time.Now,
	}
}

// AdvanceStep completes the current step and starts the next one, if any.
func (e *WorkflowEngine) AdvanceStep(ctx context.Context, incidentID, stepID, operatorID, notes string) (bool, error) {
	err := e.mutate(ctx, "advance_step", incidentID, func(incident *domain.Incident, steps []domain.WorkflowStep) (*WorkflowUpdate, error) {
		idx, err := currentStepFor(incident, steps, stepID)
		if err != nil {
			return nil, err
		}

		now := e.now().UTC()
		current := &steps[idx]
		if current.StartedAt == nil {
			current.StartedAt = &now
		}
		current.Status = domain.StepStatusCompleted
		current.CompletedAt = &now
		current.AssignedOperatorID = optional(operatorID)
		if n := optional(notes); n != nil {
			current.Notes = n
		}
		changed := []domain.WorkflowStep{*current}

		if idx+1 < len(steps) {
			next := &steps[idx+1]
			next.Status = domain.StepStatusInProgress
			next.StartedAt = &now
			next.AssignedOperatorID = optional(operatorID)
			changed = append(changed, *next)
		}

		update := &WorkflowUpdate{Steps: changed}
		if incident.Status == domain.IncidentStatusActive {
			status := domain.IncidentStatusInResolution
			update.Status = &status
		}
		return update, nil
	})
	recordWorkflowTransition("advance", err)
	if err != nil {
		return false, err
	}

	ctxlog.FromContext(ctx).Info("workflow step advanced",
		"incident_id", incidentID,
		"step_id", stepID,
		"operator_id", operatorID,
	)
	return true, nil
}

// FailStep marks the current step failed, pausing the workflow until reset.
func (e *WorkflowEngine) FailStep(ctx context.Context, incidentID, stepID, operatorID, notes string) (bool, error) {
	err := e.mutate(ctx, "fail_step", incidentID, func(incident *domain.Incident, steps []domain.WorkflowStep) (*WorkflowUpdate, error) {
		idx, err := currentStepFor(incident, steps, stepID)
		if err != nil {
			return nil, err
		}

		now := e.now().UTC()
		current := &steps[idx]
		if current.StartedAt == nil {
			current.StartedAt = &now
		}
		current.Status = domain.StepStatusFailed
		current.CompletedAt = &now
		current.AssignedOperatorID = optional(operatorID)
		if n := optional(notes); n != nil {
			current.Notes = n
		}
		return &WorkflowUpdate{Steps: []domain.WorkflowStep{*current}}, nil
	})
	recordWorkflowTransition("fail", err)
	if err != nil {
		return false, err
	}

	ctxlog.FromContext(ctx).Warn("workflow step failed",
		"incident_id", incidentID,
		"step_id", stepID,
		"operator_id", operatorID,
	)
	return true, nil
}

// CancelWorkflow skips every pending or in-progress step and moves the
// incident to investigating.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, incidentID, cancelledBy, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		return false, domain.NewValidationError("reason", "is required")
	}

	err := e.mutate(ctx, "cancel_workflow", incidentID, func(incident *domain.Incident, steps []domain.WorkflowStep) (*WorkflowUpdate, error) {
		if !incident.Status.IsOpen() {
			return nil, fmt.Errorf("%w: incident is %s", ErrInvalidTransition, incident.Status)
		}

		stepNote := fmt.Sprintf("Cancelled by %s: %s", cancelledBy, reason)
		changed := make([]domain.WorkflowStep, 0, len(steps))
		for i := range steps {
			st := &steps[i]
			if st.Status.IsTerminal() {
				continue
			}
			st.Status = domain.StepStatusSkipped
			st.Notes = &stepNote
			st.AssignedOperatorID = optional(cancelledBy)
			changed = append(changed, *st)
		}
		if len(changed) == 0 {
			return nil, domain.NewValidationError("workflow", "no pending or in-progress steps to cancel")
		}

		status := domain.IncidentStatusInvestigating
		summary := fmt.Sprintf("Workflow cancelled by %s (%d steps skipped): %s", cancelledBy, len(changed), reason)
		return &WorkflowUpdate{Steps: changed, Status: &status, Notes: &summary}, nil
	})
	recordWorkflowTransition("cancel", err)
	if err != nil {
		return false, err
	}

	ctxlog.FromContext(ctx).Info("workflow cancelled",
		"incident_id", incidentID,
		"cancelled_by", cancelledBy,
		"reason", reason,
	)
	return true, nil
}

// ResetWorkflow returns every step to pending and the incident to active.
func (e *WorkflowEngine) ResetWorkflow(ctx context.Context, incidentID, resetBy, reason string) (bool, error) {
	err := e.mutate(ctx, "reset_workflow", incidentID, func(_ *domain.Incident, steps []domain.WorkflowStep) (*WorkflowUpdate, error) {
		for i := range steps {
			steps[i].Status = domain.StepStatusPending
			steps[i].AssignedOperatorID = nil
			steps[i].StartedAt = nil
			steps[i].CompletedAt = nil
			steps[i].Notes = nil
		}
		status := domain.IncidentStatusActive
		return &WorkflowUpdate{Steps: steps, Status: &status}, nil
	})
	recordWorkflowTransition("reset", err)
	if err != nil {
		return false, err
	}

	ctxlog.FromContext(ctx).Info("workflow reset",
		"incident_id", incidentID,
		"reset_by", resetBy,
		"reason", reason,
	)
	return true, nil
}

// GetWorkflowStatus reports aggregate progress of an incident's workflow.
func (e *WorkflowEngine) GetWorkflowStatus(ctx context.Context, incidentID string) (*domain.WorkflowStatusInfo, error) {
	if strings.TrimSpace(incidentID) == "" {
		return nil, domain.NewValidationError("incident_id", "is required")
	}

	var steps []domain.WorkflowStep
	err := e.policy.Do(ctx, "get_workflow_status", func(ctx context.Context) error {
		var err error
		steps, err = e.repo.ListSteps(ctx, incidentID)
		return err
	})
	if err != nil {
		return nil, classify(ctx, "get_workflow_status", err, "incident_id", incidentID)
	}
	if len(steps) == 0 {
		return nil, ErrWorkflowNotFound
	}

	return summarize(incidentID, steps), nil
}

type mutation func(incident *domain.Incident, steps []domain.WorkflowStep) (*WorkflowUpdate, error)

// mutate runs one read-modify-write cycle of the workflow under the retry policy.
func (e *WorkflowEngine) mutate(ctx context.Context, op, incidentID string, fn mutation) error {
	if strings.TrimSpace(incidentID) == "" {
		return domain.NewValidationError("incident_id", "is required")
	}

	err := e.policy.Do(ctx, op, func(ctx context.Context) error {
		incident, err := e.repo.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		steps, err := e.repo.ListSteps(ctx, incidentID)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return ErrWorkflowNotFound
		}

		update, err := fn(incident, steps)
		if err != nil {
			return err
		}
		update.IncidentID = incidentID
		update.ExpectedVersion = incident.WorkflowVersion
		return e.repo.UpdateWorkflow(ctx, *update)
	})
	if err != nil {
		return classify(ctx, op, err, "incident_id", incidentID)
	}
	return nil
}

// currentStepFor checks that stepID is the step the workflow is waiting on
// and returns its index.
func currentStepFor(incident *domain.Incident, steps []domain.WorkflowStep, stepID string) (int, error) {
	if !incident.Status.IsOpen() {
		return 0, fmt.Errorf("%w: incident is %s", ErrInvalidTransition, incident.Status)
	}

	target := -1
	for i := range steps {
		if steps[i].ID == stepID {
			target = i
			break
		}
	}
	if target == -1 {
		return 0, domain.NewValidationError("step_id", fmt.Sprintf("step %s does not belong to incident %s", stepID, incident.ID))
	}

	current := -1
	for i := range steps {
		if steps[i].Status != domain.StepStatusCompleted {
			current = i
			break
		}
	}
	if current == -1 {
		return 0, domain.NewValidationError("step_id", "workflow is already completed")
	}

	if st := steps[current].Status; st.IsTerminal() {
		if st == domain.StepStatusFailed {
			return 0, domain.NewValidationError("step_id", "workflow is paused by a failed step, reset it first")
		}
		return 0, domain.NewValidationError("step_id", "workflow was cancelled, reset it first")
	}

	if target != current {
		if steps[target].Status == domain.StepStatusCompleted {
			return 0, domain.NewValidationError("step_id", fmt.Sprintf("step %s is already completed", steps[target].StepName))
		}
		return 0, domain.NewValidationError("step_id",
			fmt.Sprintf("step %s is not the current step (%s)", steps[target].StepName, steps[current].StepName))
	}
	return current, nil
}

func summarize(incidentID string, steps []domain.WorkflowStep) *domain.WorkflowStatusInfo {
	info := &domain.WorkflowStatusInfo{
		IncidentID: incidentID,
		TotalSteps: len(steps),
		Steps:      steps,
	}

	var skipped, failed bool
	for i := range steps {
		switch steps[i].Status {
		case domain.StepStatusCompleted:
			info.CompletedSteps++
		case domain.StepStatusSkipped:
			skipped = true
		case domain.StepStatusFailed:
			failed = true
		}
	}

	for i := range steps {
		if steps[i].Status == domain.StepStatusInProgress {
			info.CurrentStep = &steps[i]
			break
		}
	}
	if info.CurrentStep == nil {
		for i := range steps {
			if steps[i].Status == domain.StepStatusPending {
				info.CurrentStep = &steps[i]
				break
			}
		}
	}

	switch {
	case info.CompletedSteps == info.TotalSteps:
		info.OverallStatus = domain.WorkflowStatusCompleted
	case skipped:
		info.OverallStatus = domain.WorkflowStatusCancelled
	case failed:
		info.OverallStatus = domain.WorkflowStatusPaused
	default:
		info.OverallStatus = domain.WorkflowStatusActive
	}

	info.Progress = info.CompletedSteps * 100 / info.TotalSteps

	if info.OverallStatus == domain.WorkflowStatusActive && info.CurrentStep != nil && info.CurrentStep.StartedAt != nil {
		eta := info.CurrentStep.StartedAt.Add(estimatedStepDuration)
		info.EstimatedCompletion = &eta
	}

	return info
}
