package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/sterility-garden/internal/incidents"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the NOTIFY channel fed by the incidents table trigger.
const ChangeChannel = "incident_changes"

// ChangeHandler consumes decoded change events.
type ChangeHandler interface {
	Handle(ctx context.Context, ev incidents.ChangeEvent)
}

// Listener subscribes to incident row changes via LISTEN/NOTIFY and
// reconnects with exponential backoff when the connection drops.
type Listener struct {
	db         *pgxpool.Pool
	handler    ChangeHandler
	maxBackoff time.Duration
}

// NewListener creates a change-feed listener.
func NewListener(db *pgxpool.Pool, handler ChangeHandler) *Listener {
	return &Listener{
		db:         db,
		handler:    handler,
		maxBackoff: 30 * time.Second,
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = l.maxBackoff
	b.MaxElapsedTime = 0

	for {
		err := l.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		slog.Warn("incident change feed disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, onConnected func()) error {
	pooled, err := l.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// The connection carries LISTEN state, so it must not return to the pool.
	conn := pooled.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	onConnected()
	slog.Info("incident change feed started", "channel", ChangeChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		ev, err := DecodeChangeEvent([]byte(notification.Payload))
		if err != nil {
			slog.Error("failed to decode incident change", "payload", notification.Payload, "error", err)
			continue
		}
		l.handler.Handle(ctx, ev)
	}
}

// DecodeChangeEvent parses a trigger payload.
func DecodeChangeEvent(payload []byte) (incidents.ChangeEvent, error) {
	var ev incidents.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	if ev.IncidentID == "" {
		return ev, errors.New("decode change event: missing incident id")
	}
	switch ev.Operation {
	case incidents.ChangeInsert, incidents.ChangeUpdate, incidents.ChangeDelete:
	default:
		return ev, fmt.Errorf("decode change event: unknown operation %q", ev.Operation)
	}
	return ev, nil
}
