// Package postgres provides PostgreSQL implementation of incidents repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/incidents"
	"github.com/bissquit/sterility-garden/internal/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const incidentColumns = `
	id, incident_number, facility_id, failure_date, detected_by_operator_id,
	affected_tools_count, affected_batch_ids, failure_reason, severity_level, status,
	resolution_deadline, resolution_notes, resolved_by_operator_id, resolved_at,
	regulatory_notification_required, regulatory_notification_sent, regulatory_notification_date,
	workflow_version, created_at, updated_at`

const stepColumns = `
	id, incident_id, position, step_name, status, assigned_operator_id,
	started_at, completed_at, notes, created_at, updated_at`

// CreateIncident allocates the facility's next daily sequence and inserts the
// incident with its workflow steps in one transaction. An incident whose ID
// is already stored is loaded instead, so a retry after a commit whose
// outcome was lost does not insert a second incident.
func (r *Repository) CreateIncident(
	ctx context.Context,
	incident *domain.Incident,
	stepNames []string,
	number incidents.NumberFunc,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return postgres.Wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	existing, err := getIncident(ctx, tx, incident.ID, false)
	switch {
	case err == nil:
		*incident = *existing
		return nil
	case !errors.Is(err, incidents.ErrIncidentNotFound):
		return err
	}

	var seq int
	err = tx.QueryRow(ctx, `
		INSERT INTO incident_sequences (facility_id, day, last_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (facility_id, day)
		DO UPDATE SET last_seq = incident_sequences.last_seq + 1
		RETURNING last_seq
	`, incident.FacilityID, sequenceDay(incident.CreatedAt)).Scan(&seq)
	if err != nil {
		return postgres.Wrap("allocate incident sequence", err)
	}

	incident.IncidentNumber = number(seq)

	err = tx.QueryRow(ctx, `
		INSERT INTO incidents (
			id, incident_number, facility_id, failure_date, detected_by_operator_id,
			affected_tools_count, affected_batch_ids, failure_reason, severity_level, status,
			resolution_deadline, regulatory_notification_required, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING id, workflow_version, created_at, updated_at
	`,
		incident.ID,
		incident.IncidentNumber,
		incident.FacilityID,
		incident.FailureDate,
		incident.DetectedByOperatorID,
		incident.AffectedToolsCount,
		incident.AffectedBatchIDs,
		incident.FailureReason,
		string(incident.SeverityLevel),
		string(incident.Status),
		incident.ResolutionDeadline,
		incident.RegulatoryNotificationRequired,
		incident.CreatedAt,
	).Scan(&incident.ID, &incident.WorkflowVersion, &incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert incident %s: %w", incident.IncidentNumber, domain.ErrConflict)
		}
		return postgres.Wrap("insert incident", err)
	}

	for i, name := range stepNames {
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_steps (incident_id, position, step_name, status)
			VALUES ($1, $2, $3, $4)
		`, incident.ID, i, name, string(domain.StepStatusPending))
		if err != nil {
			return postgres.Wrap("insert workflow step", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return postgres.Wrap("commit transaction", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return getIncident(ctx, r.db, id, false)
}

func getIncident(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Incident, error) {
	query := `SELECT` + incidentColumns + ` FROM incidents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	incident, err := scanIncident(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidInput(err) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, postgres.Wrap("get incident", err)
	}
	return incident, nil
}

// ListIncidents returns a facility's incidents, newest failure first.
func (r *Repository) ListIncidents(ctx context.Context, filter incidents.IncidentFilter) ([]domain.Incident, error) {
	var statuses []string
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	query := `SELECT` + incidentColumns + `
		FROM incidents
		WHERE facility_id = $1
		  AND ($2::text[] IS NULL OR status = ANY($2))
		ORDER BY failure_date DESC, id`
	args := []any{filter.FacilityID, statuses}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, postgres.Wrap("list incidents", err)
	}
	defer rows.Close()

	result := make([]domain.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, postgres.Wrap("scan incident", err)
		}
		result = append(result, *incident)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate incidents", err)
	}
	return result, nil
}

// UpdateStatus sets the incident status unconditionally.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.IncidentStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE incidents
		SET status = $2, workflow_version = workflow_version + 1, updated_at = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return incidents.ErrIncidentNotFound
		}
		return postgres.Wrap("update incident status", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrIncidentNotFound
	}
	return nil
}

// TransitionStatus applies change only while the incident is in one of from.
func (r *Repository) TransitionStatus(
	ctx context.Context,
	id string,
	from []domain.IncidentStatus,
	change incidents.StatusChange,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return postgres.Wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := getIncident(ctx, tx, id, true)
	if err != nil {
		return err
	}
	if !containsStatus(from, current.Status) {
		return fmt.Errorf("%w: incident is %s", incidents.ErrInvalidTransition, current.Status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE incidents
		SET status = $2,
			resolution_notes = COALESCE($3, resolution_notes),
			resolved_by_operator_id = CASE WHEN $4::boolean THEN $5 ELSE resolved_by_operator_id END,
			resolved_at = CASE WHEN $4::boolean THEN $6 ELSE resolved_at END,
			workflow_version = workflow_version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, id, string(change.Status), change.Notes, change.Resolve, change.OperatorID, change.At)
	if err != nil {
		return postgres.Wrap("transition incident status", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return postgres.Wrap("commit transaction", err)
	}
	return nil
}

// MarkRegulatoryNotificationSent records the regulatory notice timestamp.
func (r *Repository) MarkRegulatoryNotificationSent(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE incidents
		SET regulatory_notification_sent = TRUE, regulatory_notification_date = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return incidents.ErrIncidentNotFound
		}
		return postgres.Wrap("mark regulatory notification", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrIncidentNotFound
	}
	return nil
}

// ListSteps returns the incident's workflow steps ordered by position.
func (r *Repository) ListSteps(ctx context.Context, incidentID string) ([]domain.WorkflowStep, error) {
	return listSteps(ctx, r.db, incidentID)
}

func listSteps(ctx context.Context, q querier, incidentID string) ([]domain.WorkflowStep, error) {
	rows, err := q.Query(ctx, `SELECT`+stepColumns+`
		FROM workflow_steps
		WHERE incident_id = $1
		ORDER BY position
	`, incidentID)
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return nil, incidents.ErrWorkflowNotFound
		}
		return nil, postgres.Wrap("list workflow steps", err)
	}
	defer rows.Close()

	steps := make([]domain.WorkflowStep, 0)
	for rows.Next() {
		var step domain.WorkflowStep
		err := rows.Scan(
			&step.ID,
			&step.IncidentID,
			&step.Position,
			&step.StepName,
			&step.Status,
			&step.AssignedOperatorID,
			&step.StartedAt,
			&step.CompletedAt,
			&step.Notes,
			&step.CreatedAt,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, postgres.Wrap("scan workflow step", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap("iterate workflow steps", err)
	}
	return steps, nil
}

// UpdateWorkflow saves step changes guarded by the incident's workflow version.
func (r *Repository) UpdateWorkflow(ctx context.Context, update incidents.WorkflowUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return postgres.Wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}

	tag, err := tx.Exec(ctx, `
		UPDATE incidents
		SET workflow_version = workflow_version + 1,
			status = COALESCE($3, status),
			resolution_notes = COALESCE($4, resolution_notes),
			updated_at = NOW()
		WHERE id = $1 AND workflow_version = $2
	`, update.IncidentID, update.ExpectedVersion, status, update.Notes)
	if err != nil {
		if postgres.IsInvalidInput(err) {
			return incidents.ErrIncidentNotFound
		}
		return postgres.Wrap("bump workflow version", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getIncident(ctx, tx, update.IncidentID, false); err != nil {
			return err
		}
		return incidents.ErrVersionConflict
	}

	// Steps leaving in_progress must be written before the step entering it.
	for _, step := range orderStepWrites(update.Steps) {
		if err := updateStep(ctx, tx, update.IncidentID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return postgres.Wrap("commit transaction", err)
	}
	return nil
}

func updateStep(ctx context.Context, q querier, incidentID string, step domain.WorkflowStep) error {
	tag, err := q.Exec(ctx, `
		UPDATE workflow_steps
		SET status = $3, assigned_operator_id = $4, started_at = $5, completed_at = $6,
			notes = $7, updated_at = NOW()
		WHERE id = $1 AND incident_id = $2
	`,
		step.ID,
		incidentID,
		string(step.Status),
		step.AssignedOperatorID,
		step.StartedAt,
		step.CompletedAt,
		step.Notes,
	)
	if err != nil {
		return postgres.Wrap("update workflow step", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s: %w", step.ID, incidents.ErrWorkflowNotFound)
	}
	return nil
}

func orderStepWrites(steps []domain.WorkflowStep) []domain.WorkflowStep {
	ordered := make([]domain.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		if s.Status != domain.StepStatusInProgress {
			ordered = append(ordered, s)
		}
	}
	for _, s := range steps {
		if s.Status == domain.StepStatusInProgress {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(
		&incident.ID,
		&incident.IncidentNumber,
		&incident.FacilityID,
		&incident.FailureDate,
		&incident.DetectedByOperatorID,
		&incident.AffectedToolsCount,
		&incident.AffectedBatchIDs,
		&incident.FailureReason,
		&incident.SeverityLevel,
		&incident.Status,
		&incident.ResolutionDeadline,
		&incident.ResolutionNotes,
		&incident.ResolvedByOperatorID,
		&incident.ResolvedAt,
		&incident.RegulatoryNotificationRequired,
		&incident.RegulatoryNotificationSent,
		&incident.RegulatoryNotificationDate,
		&incident.WorkflowVersion,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

func sequenceDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func containsStatus(list []domain.IncidentStatus, s domain.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
