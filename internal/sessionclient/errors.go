package sessionclient

import (
	"fmt"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

// APIError is a non-2xx response from the session API.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("sessionclient: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("sessionclient: %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the matching engine sentinel so callers can use errors.Is,
// e.g. errors.Is(err, sessions.ErrSlotUnavailable) means refetch availability.
func (e *APIError) Unwrap() error {
	return sessions.ErrorForKind(e.Kind)
}

// Retryable reports whether the same request may be sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.Kind == sessions.KindRequestInFlight
}
