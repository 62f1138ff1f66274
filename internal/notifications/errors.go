package notifications

import (
	"errors"
	"fmt"

	"github.com/bissquit/sterility-garden/internal/domain"
)

// Repository errors.
var (
	ErrConfigNotFound  = fmt.Errorf("facility notification config %w", domain.ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("notification message %w", domain.ErrNotFound)
)

// Dispatch errors.
var (
	ErrAlreadySent     = domain.NewValidationError("notification", "already sent")
	ErrMessageInFlight = fmt.Errorf("notification is being delivered: %w", domain.ErrConflict)
	ErrNoRecipients    = domain.NewValidationError("recipients", "no deliverable channel configured")
	errNoSender        = errors.New("no sender for channel")
)
