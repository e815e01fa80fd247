package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// Callers check for these with errors.Is(); the API layer maps them to HTTP
// status codes.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyQueued indicates a non-terminal job already exists for
	// the task, so a duplicate submission was rejected.
	// API layer should map this to HTTP 409 Conflict.
	ErrTaskAlreadyQueued = errors.New("task is already queued")

	// ErrTaskNotPausable indicates the task is not waiting in the queue, so
	// there is nothing to pause. Running tasks cannot be paused, only
	// cancelled. API layer should map this to HTTP 409 Conflict.
	ErrTaskNotPausable = errors.New("task is not in a pausable state")

	// ErrTaskNotResumable indicates the task is not paused.
	// API layer should map this to HTTP 409 Conflict.
	ErrTaskNotResumable = errors.New("task is not paused")

	// ErrTaskFinished indicates the task already reached a terminal state
	// and cannot be paused, resumed, or cancelled.
	// API layer should map this to HTTP 409 Conflict.
	ErrTaskFinished = errors.New("task already finished")
)
