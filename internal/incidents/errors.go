package incidents

import (
	"fmt"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// Incident errors. They wrap the shared domain classes.
var (
	ErrIncidentNotFound  = fmt.Errorf("incident %w", domain.ErrNotFound)
	ErrWorkflowNotFound  = fmt.Errorf("workflow steps %w", domain.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", domain.ErrValidation)
	ErrVersionConflict   = fmt.Errorf("workflow %w", domain.ErrConflict)
)
