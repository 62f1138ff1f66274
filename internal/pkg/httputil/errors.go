package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// WithStoreErrors returns the mappings for error kinds every store-backed
// handler can see, followed by extra.
func WithStoreErrors(extra ...ErrorMapping) []ErrorMapping {
	return append([]ErrorMapping{
		{Error: domain.ErrNotFound, Status: http.StatusNotFound},
		{Error: domain.ErrTransient, Status: http.StatusServiceUnavailable, Message: "storage temporarily unavailable, please retry"},
	}, extra...)
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// Validation errors always answer 400 with field details. If no mapping
// matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if errors.Is(err, domain.ErrValidation) {
		ValidationError(w, err)
		return
	}
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			if m.Status >= http.StatusInternalServerError {
				ctxlog.FromContext(ctx).Warn("request failed", "status", m.Status, "error", err)
			}
			Error(w, m.Status, msg)
			return
		}
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
