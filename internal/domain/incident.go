package domain

import (
	"slices"
	"time"
)

// IncidentStatus represents the lifecycle status of a BI failure incident.
type IncidentStatus string

// Incident statuses. Investigating is set only by a cancelled workflow.
const (
	IncidentStatusActive        IncidentStatus = "active"
	IncidentStatusInResolution  IncidentStatus = "in_resolution"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
	IncidentStatusInvestigating IncidentStatus = "investigating"
)

// IsValid reports whether s is a known incident status.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusActive, IncidentStatusInResolution, IncidentStatusResolved,
		IncidentStatusClosed, IncidentStatusInvestigating:
		return true
	}
	return false
}

// OpenIncidentStatuses lists the statuses of incidents that are not yet
// resolved. A cancelled workflow leaves the incident investigating, which
// is still open.
func OpenIncidentStatuses() []IncidentStatus {
	return []IncidentStatus{IncidentStatusActive, IncidentStatusInResolution, IncidentStatusInvestigating}
}

// IsOpen reports whether the incident still blocks tool use.
func (s IncidentStatus) IsOpen() bool {
	return slices.Contains(OpenIncidentStatuses(), s)
}

// Severity represents the severity level of an incident.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IsHighImpact reports whether the severity is high or critical.
func (s Severity) IsHighImpact() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Incident is one recorded BI sterilization failure and its remediation state.
type Incident struct {
	ID                   string         `json:"id"`
	IncidentNumber       string         `json:"incident_number"`
	FacilityID           string         `json:"facility_id"`
	FailureDate          time.Time      `json:"failure_date"`
	DetectedByOperatorID string         `json:"detected_by_operator_id"`
	AffectedToolsCount   int            `json:"affected_tools_count"`
	AffectedBatchIDs     []string       `json:"affected_batch_ids"`
	FailureReason        *string        `json:"failure_reason"`
	SeverityLevel        Severity       `json:"severity_level"`
	Status               IncidentStatus `json:"status"`
	ResolutionDeadline   *time.Time     `json:"resolution_deadline"`
	ResolutionNotes      *string        `json:"resolution_notes"`
	ResolvedByOperatorID *string        `json:"resolved_by_operator_id"`
	ResolvedAt           *time.Time     `json:"resolved_at"`

	RegulatoryNotificationRequired bool       `json:"regulatory_notification_required"`
	RegulatoryNotificationSent     bool       `json:"regulatory_notification_sent"`
	RegulatoryNotificationDate     *time.Time `json:"regulatory_notification_date"`

	WorkflowVersion int       `json:"workflow_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RequiresRegulatoryNotification applies the regulatory business rule:
// high impact severity or more than ten affected tools.
func RequiresRegulatoryNotification(severity Severity, affectedTools int) bool {
	return severity.IsHighImpact() || affectedTools > 10
}
