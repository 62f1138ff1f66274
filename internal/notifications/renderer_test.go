package notifications

import (
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_Subjects(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	tests := []struct {
		messageType domain.MessageType
		urgency     string
		expected    string
	}{
		{domain.MessageTypeRegulatory, "urgent", "[Regulatory Notice] BI failure BI-FAIL-20260314-001"},
		{domain.MessageTypeClinicManager, "immediate action", "[Immediate Action] BI failure BI-FAIL-20260314-001"},
		{domain.MessageTypeEscalation, "urgent", "[Escalation] BI failure BI-FAIL-20260314-001"},
		{domain.MessageTypeResolution, "urgent", "[Resolved] BI failure BI-FAIL-20260314-001"},
	}

	for _, tt := range tests {
		t.Run(string(tt.messageType), func(t *testing.T) {
			subject, body, err := renderer.Render(MessagePayload{
				Incident:    testIncident(domain.SeverityHigh),
				MessageType: tt.messageType,
				Urgency:     tt.urgency,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, subject)
			assert.NotEmpty(t, body)
		})
	}
}

func TestRenderer_ClinicManagerBody(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	deadline := time.Date(2026, 3, 16, 9, 30, 0, 0, time.UTC)
	incident := testIncident(domain.SeverityCritical)
	incident.ResolutionDeadline = &deadline

	_, body, err := renderer.Render(MessagePayload{
		Incident:    incident,
		MessageType: domain.MessageTypeClinicManager,
		Urgency:     "immediate action",
		ManagerName: "Dr. Rivera",
		Link:        "https://sterility.example/incidents/inc-1",
	})
	require.NoError(t, err)

	assert.Contains(t, body, "Dear Dr. Rivera,")
	assert.Contains(t, body, "Immediate Action.")
	assert.Contains(t, body, "Severity:       CRITICAL")
	assert.Contains(t, body, "Batches:        B-100, B-101")
	assert.Contains(t, body, "Failure date:   Mar 14, 2026 09:30 UTC")
	assert.Contains(t, body, "Failure reason: chamber temperature drop")
	assert.Contains(t, body, "Resolve by:     Mar 16, 2026 09:30 UTC")
	assert.Contains(t, body, "Do not use instruments from the affected batches")
	assert.Contains(t, body, "Open the incident: https://sterility.example/incidents/inc-1")
}

func TestRenderer_OptionalFields(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	incident := testIncident(domain.SeverityLow)
	incident.FailureReason = nil

	_, body, err := renderer.Render(MessagePayload{
		Incident:    incident,
		MessageType: domain.MessageTypeClinicManager,
		Urgency:     "for your information",
	})
	require.NoError(t, err)

	assert.Contains(t, body, "Hello,")
	assert.Contains(t, body, "Failure reason: not recorded")
	assert.NotContains(t, body, "Resolve by")
	assert.NotContains(t, body, "Open the incident")
}

func TestRenderer_EscalationAndResolution(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	incident := testIncident(domain.SeverityHigh)
	incident.RegulatoryNotificationRequired = true

	_, body, err := renderer.Render(MessagePayload{
		Incident:    incident,
		MessageType: domain.MessageTypeEscalation,
		Urgency:     "urgent",
		Tier:        "director",
	})
	require.NoError(t, err)
	assert.Contains(t, body, "Escalation (director level)")
	assert.Contains(t, body, "A regulatory notification is required")

	resolvedAt := fixedNow.Add(6 * time.Hour)
	resolver := "op-2"
	notes := "all instruments reprocessed"
	incident.ResolvedAt = &resolvedAt
	incident.ResolvedByOperatorID = &resolver
	incident.ResolutionNotes = &notes

	_, body, err = renderer.Render(MessagePayload{Incident: incident, MessageType: domain.MessageTypeResolution})
	require.NoError(t, err)
	assert.Contains(t, body, "has been resolved")
	assert.Contains(t, body, "Resolved at:    Mar 14, 2026 15:30 UTC")
	assert.Contains(t, body, "Resolved by:    op-2")
	assert.Contains(t, body, "all instruments reprocessed")
}

func TestRenderer_Errors(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)

	_, _, err = renderer.Render(MessagePayload{MessageType: domain.MessageTypeRegulatory})
	assert.Error(t, err)

	_, _, err = renderer.Render(MessagePayload{Incident: testIncident(domain.SeverityLow), MessageType: "unknown"})
	assert.Error(t, err)
}

func TestFormatTime(t *testing.T) {
	assert.Empty(t, formatTime(time.Time{}))

	moscow := time.FixedZone("MSK", 3*60*60)
	assert.Equal(t, "Mar 14, 2026 09:30 UTC", formatTime(fixedNow.In(moscow)))
}
