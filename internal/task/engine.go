package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
)

// Errors classifying engine failures. Match with errors.Is.
var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, rate limits
	// and network errors.
	ErrTransient = errors.New("transient engine error")

	// ErrPermanent marks failures that will not succeed on retry: malformed
	// input, unsupported formats, tenant quota exhausted.
	ErrPermanent = errors.New("permanent engine error")
)

// SubmitRequest is the job handed to the engine. TaskID doubles as the
// idempotency key.
type SubmitRequest struct {
	TaskID  uuid.UUID
	OwnerID uuid.UUID
	Kind    domain.TaskKind
	Payload json.RawMessage
}

// EngineState is the remote job state reported by a status poll.
type EngineState string

// Remote job states.
const (
	EngineStateRunning   EngineState = "running"
	EngineStateSucceeded EngineState = "succeeded"
	EngineStateFailed    EngineState = "failed"
	EngineStateNotFound  EngineState = "not_found"
)

// EngineStatus is the answer to a status poll or a pushed notification.
type EngineStatus struct {
	State    EngineState
	Progress int
	Result   json.RawMessage
	Error    string
}

// Engine is the external parsing engine.
type Engine interface {
	// Submit hands a job to the engine and returns its reference. Submitting
	// the same TaskID twice should return the same reference.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// PollStatus reports the state of a previously submitted job.
	PollStatus(ctx context.Context, externalRef string) (EngineStatus, error)

	// Cancel asks the engine to stop a job. Best effort.
	Cancel(ctx context.Context, externalRef string) error
}

// EngineError is an engine failure with its retry classification.
type EngineError struct {
	Transient  bool
	StatusCode int
	Message    string
	Err        error
}

// NewTransientError builds a retryable engine error.
func NewTransientError(statusCode int, message string, err error) *EngineError {
	return &EngineError{Transient: true, StatusCode: statusCode, Message: message, Err: err}
}

// NewPermanentError builds a non-retryable engine error.
func NewPermanentError(statusCode int, message string, err error) *EngineError {
	return &EngineError{StatusCode: statusCode, Message: message, Err: err}
}

func (e *EngineError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("%s engine error", kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches the classification sentinels.
func (e *EngineError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient
	case ErrPermanent:
		return !e.Transient
	}
	return false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent) && !errors.Is(err, ErrTransient)
}

// IsTransient reports whether err may be retried. Unclassified errors count
// as transient; the attempt ceiling bounds the damage.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
