package incidents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// ChangeOperation is the kind of row change reported by the change feed.
type ChangeOperation string

// Change operations.
const (
	ChangeInsert ChangeOperation = "INSERT"
	ChangeUpdate ChangeOperation = "UPDATE"
	ChangeDelete ChangeOperation = "DELETE"
)

// Live event types sent to UI clients.
const (
	EventIncidentCreated = "incident-created"
	EventIncidentUpdated = "incident-updated"
	EventIncidentDeleted = "incident-deleted"
)

// ChangeEvent is one incident row change from the change feed.
type ChangeEvent struct {
	Operation  ChangeOperation       `json:"op"`
	IncidentID string                `json:"id"`
	FacilityID string                `json:"facility_id"`
	Status     domain.IncidentStatus `json:"status"`
	OldStatus  domain.IncidentStatus `json:"old_status,omitempty"`
}

// Publisher fans live events out to the UI clients of a facility.
type Publisher interface {
	Publish(facilityID, eventType string, data any)
}

// Bridge reacts to incident change events. Handler errors are logged and
// never returned, so a bad event cannot stop the feed.
type Bridge struct {
	store     *Store
	notifier  Notifier
	publisher Publisher
}

// NewBridge creates a change feed bridge. notifier and publisher may be nil.
func NewBridge(store *Store, notifier Notifier, publisher Publisher) *Bridge {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Bridge{store: store, notifier: notifier, publisher: publisher}
}

// Handle processes one change event.
func (b *Bridge) Handle(ctx context.Context, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("change event handler panicked",
				"incident_id", ev.IncidentID,
				"operation", ev.Operation,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	var err error
	switch ev.Operation {
	case ChangeInsert:
		err = b.onInsert(ctx, ev)
	case ChangeUpdate:
		err = b.onUpdate(ctx, ev)
	case ChangeDelete:
		b.publish(ev.FacilityID, EventIncidentDeleted, map[string]string{"id": ev.IncidentID})
	default:
		slog.Warn("unknown change operation", "operation", ev.Operation, "incident_id", ev.IncidentID)
	}

	if err != nil {
		slog.Error("change event handling failed",
			"incident_id", ev.IncidentID,
			"operation", ev.Operation,
			"error", err,
		)
	}
}

func (b *Bridge) onInsert(ctx context.Context, ev ChangeEvent) error {
	incident, err := b.load(ctx, ev)
	if err != nil || incident == nil {
		return err
	}

	b.publish(incident.FacilityID, EventIncidentCreated, incident)

	if err := b.notifier.IncidentCreated(ctx, incident); err != nil {
		return fmt.Errorf("notify created: %w", err)
	}
	return nil
}

func (b *Bridge) onUpdate(ctx context.Context, ev ChangeEvent) error {
	incident, err := b.load(ctx, ev)
	if err != nil || incident == nil {
		return err
	}

	b.publish(incident.FacilityID, EventIncidentUpdated, incident)

	if ev.Status == domain.IncidentStatusResolved && ev.OldStatus != domain.IncidentStatusResolved {
		if err := b.notifier.IncidentResolved(ctx, incident); err != nil {
			return fmt.Errorf("notify resolved: %w", err)
		}
	}
	return nil
}

func (b *Bridge) load(ctx context.Context, ev ChangeEvent) (*domain.Incident, error) {
	incident, err := b.store.GetIncidentByID(ctx, ev.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if incident == nil {
		slog.Debug("changed incident no longer exists", "incident_id", ev.IncidentID)
	}
	return incident, nil
}

func (b *Bridge) publish(facilityID, eventType string, data any) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(facilityID, eventType, data)
}
