package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecovira/marketchat/internal/storage"
)

var (
	// ErrNotAuthenticated means no identified user is present. Not retryable;
	// the caller has to go through the external sign-in flow.
	ErrNotAuthenticated = errors.New("authentication required")
	// ErrStorageUnavailable wraps transient store failures. Re-invoking the
	// same command is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidationFailed rejects a command before any I/O happens.
	ErrValidationFailed     = errors.New("validation failed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("forbidden")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

func storageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrConversationNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
}

// IsRetryable reports whether re-running the failed command may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
