package chatws

import (
	"context"
	"errors"

	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/session"
)

const (
	CodeNotAuthenticated     = "not_authenticated"
	CodeStorageUnavailable   = "storage_unavailable"
	CodeValidationFailed     = "validation_failed"
	CodeConversationNotFound = "conversation_not_found"
	CodeForbidden            = "forbidden"
	CodeSuperseded           = "superseded"
	CodeChannelUnavailable   = "channel_unavailable"
	CodeTimeout              = "timeout"
	CodeInternal             = "internal"
)

// ErrorCode names err for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, services.ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, services.ErrConversationNotFound):
		return CodeConversationNotFound
	case errors.Is(err, services.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, services.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, session.ErrSuperseded):
		return CodeSuperseded
	case errors.Is(err, session.ErrChannelUnavailable):
		return CodeChannelUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
