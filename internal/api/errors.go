package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound

	// Conflict errors: the task exists but the requested transition is not
	// legal from its current state.
	case errors.Is(err, service.ErrTaskAlreadyQueued),
		errors.Is(err, service.ErrTaskNotPausable),
		errors.Is(err, service.ErrTaskNotResumable),
		errors.Is(err, service.ErrTaskFinished),
		errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrEmptyTaskDescription),
		errors.Is(err, domain.ErrInvalidTaskStatus),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, queue.ErrInvalidJob):
		return http.StatusBadRequest

	// Shutdown race: the queue is gone, the server is going with it.
	case errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, service.ErrTaskAlreadyQueued),
		errors.Is(err, queue.ErrDuplicateJob):
		return "Task is already queued"

	case errors.Is(err, service.ErrTaskNotPausable):
		return "Only queued tasks can be paused"

	case errors.Is(err, service.ErrTaskNotResumable):
		return "Only paused tasks can be resumed"

	case errors.Is(err, service.ErrTaskFinished):
		return "Task already finished"

	case errors.Is(err, domain.ErrEmptyTaskDescription):
		return "Task description is required"

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID):
		return "Invalid request parameter"

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, queue.ErrInvalidJob):
		return "Invalid task data"

	case errors.Is(err, queue.ErrQueueClosed):
		return "Service is shutting down"

	default:
		return "An unexpected error occurred"
	}
}
