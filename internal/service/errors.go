package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// Callers check for them with errors.Is; the API layer maps them to status codes.
var (
	// ErrNotOwned indicates a task is owned by a different user than the one making the request.
	// API layer should map this to HTTP 403 Forbidden.
	ErrNotOwned = errors.New("resource is owned by another user")

	// ErrTaskNotFound indicates that the task does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotRetryable indicates a retry was requested for a task that has not failed.
	// API layer should map this to HTTP 409 Conflict.
	ErrNotRetryable = errors.New("task is not retryable")
)
