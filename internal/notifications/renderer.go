package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var messageTypes = []domain.MessageType{
	domain.MessageTypeRegulatory,
	domain.MessageTypeClinicManager,
	domain.MessageTypeEscalation,
	domain.MessageTypeResolution,
}

// MessagePayload is the data available to notification templates.
type MessagePayload struct {
	Incident    *domain.Incident
	MessageType domain.MessageType
	Urgency     string
	ManagerName string
	Tier        string
	Link        string
}

// Renderer renders notifications from templates.
type Renderer struct {
	templates map[domain.MessageType]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"upper":      strings.ToUpper,
		"join":       strings.Join,
		"severity":   severityLabel,
		"formatTime": formatTime,
	}

	r := &Renderer{templates: make(map[domain.MessageType]*template.Template, len(messageTypes))}

	for _, mt := range messageTypes {
		filename := fmt.Sprintf("templates/%s.tmpl", mt)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(string(mt)).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", mt, err)
		}

		r.templates[mt] = tmpl
	}

	return r, nil
}

// Render renders the subject and body of a message.
func (r *Renderer) Render(payload MessagePayload) (subject, body string, err error) {
	if payload.Incident == nil {
		return "", "", fmt.Errorf("render %s: incident is required", payload.MessageType)
	}

	tmpl, ok := r.templates[payload.MessageType]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", payload.MessageType)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", payload.MessageType, err)
	}

	return renderSubject(payload), strings.TrimSpace(buf.String()), nil
}

// renderSubject generates subjects like "[Regulatory Notice] BI failure BI-FAIL-20260314-001".
func renderSubject(payload MessagePayload) string {
	var prefix string
	switch payload.MessageType {
	case domain.MessageTypeRegulatory:
		prefix = "Regulatory Notice"
	case domain.MessageTypeClinicManager:
		prefix = titleCase(payload.Urgency)
	case domain.MessageTypeEscalation:
		prefix = "Escalation"
	case domain.MessageTypeResolution:
		prefix = "Resolved"
	default:
		prefix = "Notification"
	}

	return fmt.Sprintf("[%s] BI failure %s", prefix, payload.Incident.IncidentNumber)
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func severityLabel(s domain.Severity) string {
	return strings.ToUpper(string(s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
