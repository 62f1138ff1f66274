package identity

import (
	"context"
	"fmt"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
)

// ContextDirectory resolves the caller from the authenticated request context.
type ContextDirectory struct{}

// CurrentFacilityID returns the facility of the authenticated operator.
func (ContextDirectory) CurrentFacilityID(ctx context.Context) (string, error) {
	if id := httputil.GetFacilityID(ctx); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("facility directory: no facility in context: %w", domain.ErrUnavailable)
}

// CurrentUserID returns the id of the authenticated operator.
func (ContextDirectory) CurrentUserID(ctx context.Context) (string, error) {
	if id := httputil.GetUserID(ctx); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("facility directory: no operator in context: %w", domain.ErrUnavailable)
}
