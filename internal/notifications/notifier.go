package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
)

// Notifier turns incident lifecycle events into routed, delivered messages.
type Notifier struct {
	router     *Router
	dispatcher *Dispatcher
}

// NewNotifier creates a new Notifier.
func NewNotifier(router *Router, dispatcher *Dispatcher) *Notifier {
	return &Notifier{
		router:     router,
		dispatcher: dispatcher,
	}
}

// IncidentCreated notifies the clinic manager and the escalation chain,
// and regulators when RegulatoryRequired holds. Messages that already
// exist for the incident are not sent again.
func (n *Notifier) IncidentCreated(ctx context.Context, incident *domain.Incident) error {
	var messageTypes []domain.MessageType
	if !incident.RegulatoryNotificationSent && n.router.RegulatoryRequired(ctx, incident) {
		messageTypes = append(messageTypes, domain.MessageTypeRegulatory)
	}
	messageTypes = append(messageTypes, domain.MessageTypeClinicManager, domain.MessageTypeEscalation)

	return n.dispatch(ctx, incident, messageTypes...)
}

// IncidentResolved notifies the clinic manager and the escalation chain
// that the incident is resolved.
func (n *Notifier) IncidentResolved(ctx context.Context, incident *domain.Incident) error {
	return n.dispatch(ctx, incident, domain.MessageTypeResolution)
}

// SendRegulatoryNotice delivers the regulatory message on demand, reusing
// a stored one that has not been sent yet.
func (n *Notifier) SendRegulatoryNotice(ctx context.Context, incident *domain.Incident) error {
	msg, err := n.router.BuildMessage(ctx, incident, domain.MessageTypeRegulatory)
	if err != nil {
		return err
	}
	return n.dispatcher.SendNotification(ctx, msg)
}

func (n *Notifier) dispatch(ctx context.Context, incident *domain.Incident, messageTypes ...domain.MessageType) error {
	messages, err := n.router.BuildMessages(ctx, incident, messageTypes...)
	if err != nil {
		return fmt.Errorf("build messages: %w", err)
	}

	logger := ctxlog.FromContext(ctx)
	var errs []error
	for _, msg := range messages {
		created, err := n.dispatcher.Enqueue(ctx, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !created {
			logger.Debug("notification already exists",
				"incident_id", incident.ID,
				"message_type", msg.MessageType,
				"message_id", msg.ID,
			)
			continue
		}

		if err := n.dispatcher.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
