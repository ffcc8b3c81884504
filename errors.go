package huddle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTransientNetwork marks a mutation or fetch that failed because the
	// backend could not be reached in time. The user may retry.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrConflict marks a mutation the server rejected, e.g. the message
	// was already deleted. It is not retried.
	ErrConflict = errors.New("conflict")

	// ErrStaleReference marks an event for a message no open window holds.
	ErrStaleReference = errors.New("stale reference")

	// ErrDuplicateEvent marks a redelivered event absorbed by an idempotent merge.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrDesync is reported when the push connection came back after a gap.
	ErrDesync = errors.New("desync: resync required")

	// ErrClosed is returned by operations on a closed engine or view.
	ErrClosed = errors.New("closed")
)

// MutationError is delivered to settlement callbacks when an optimistic
// mutation was rolled back.
type MutationError struct {
	OperationID string
	Kind        MutationKind
	MessageID   string
	Err         error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s (op %s): %v", e.Kind, e.MessageID, e.OperationID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Retryable reports whether surfacing a retry affordance makes sense.
func (e *MutationError) Retryable() bool {
	return errors.Is(e.Err, ErrTransientNetwork)
}

// classify maps a DataSource error onto the taxonomy. Errors that already
// carry a taxonomy sentinel pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrConflict) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusNotFound,
			apiErr.Status == http.StatusConflict,
			apiErr.Status == http.StatusGone,
			apiErr.Status == http.StatusUnprocessableEntity,
			apiErr.Status == http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case apiErr.Status == http.StatusTooManyRequests, apiErr.Status >= 500:
			return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
		}
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}
