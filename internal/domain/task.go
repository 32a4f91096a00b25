package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind enumerates the job types the parsing engine accepts.
type TaskKind string

// Supported task kinds.
const (
	TaskKindDocumentParse   TaskKind = "document_parse"
	TaskKindBatchParse      TaskKind = "batch_parse"
	TaskKindDocumentExtract TaskKind = "document_extract"
	TaskKindDocumentConvert TaskKind = "document_convert"
)

// IsValid reports whether k is a supported kind.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindDocumentParse, TaskKindBatchParse, TaskKindDocumentExtract, TaskKindDocumentConvert:
		return true
	default:
		return false
	}
}

// MaxPayloadBytes bounds the size of a task payload.
const MaxPayloadBytes = 64 * 1024

// ErrorCode classifies why a task failed.
type ErrorCode string

// Error codes recorded on failed tasks.
const (
	ErrorCodePermanent         ErrorCode = "permanent"
	ErrorCodeAttemptsExhausted ErrorCode = "attempts_exhausted"
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodeEngineFailed      ErrorCode = "engine_failed"
	ErrorCodeEngineJobLost     ErrorCode = "engine_job_lost"
)

// TaskError is the error payload of a failed task.
type TaskError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Slot identifies a task holding a concurrency slot.
type Slot struct {
	TaskID  uuid.UUID
	OwnerID uuid.UUID
}

// Task is one document-parse request tracked from submission to a terminal
// state.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	Kind          TaskKind        `json:"kind"`
	State         TaskState       `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	ExternalRef   string          `json:"external_ref,omitempty"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Progress      int             `json:"progress"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Deadline      time.Time       `json:"deadline"`
	CreatedAt     time.Time       `json:"created_at"`
	AdmittedAt    *time.Time      `json:"admitted_at,omitempty"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	LastPolledAt  *time.Time      `json:"last_polled_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *TaskError      `json:"error,omitempty"`
	RetryOf       *uuid.UUID      `json:"retry_of,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	// Version increments on every write and guards against lost updates.
	Version int `json:"-"`
}

// NewTask creates a pending task due for dispatch immediately.
func NewTask(
	ownerID uuid.UUID,
	kind TaskKind,
	payload json.RawMessage,
	maxAttempts int,
	timeout time.Duration,
	now time.Time,
) (*Task, error) {
	now = now.UTC()
	t := &Task{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Kind:          kind,
		State:         TaskStatePending,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		Deadline:      now.Add(timeout),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if timeout <= 0 {
		return nil, NewValidationError("timeout", "must be positive")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ScheduleAt holds a task that has not been stored yet until at. The
// deadline moves with the first attempt so a scheduled task still gets its
// whole timeout. Times not after CreatedAt leave the task unchanged.
func (t *Task) ScheduleAt(at time.Time) {
	at = at.UTC()
	if !at.After(t.CreatedAt) {
		return
	}
	timeout := t.Deadline.Sub(t.NextAttemptAt)
	t.NextAttemptAt = at
	t.Deadline = at.Add(timeout)
}

// Validate checks the static invariants of a task record.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return NewValidationError("id", "cannot be empty")
	}
	if t.OwnerID == uuid.Nil {
		return NewValidationError("owner_id", "cannot be empty")
	}
	if !t.Kind.IsValid() {
		return NewValidationError("kind", fmt.Sprintf("unsupported kind %q", t.Kind))
	}
	if !t.State.IsValid() {
		return NewValidationError("state", fmt.Sprintf("unknown state %q", t.State))
	}
	if err := validatePayload(t.Payload); err != nil {
		return err
	}
	if t.MaxAttempts < 1 {
		return NewValidationError("max_attempts", "must be at least 1")
	}
	if t.Attempt < 0 || t.Attempt > t.MaxAttempts {
		return NewValidationError("attempt", "must be between 0 and max_attempts")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return NewValidationError("progress", "must be between 0 and 100")
	}
	hasOutcome := t.State == TaskStateCompleted || t.State == TaskStateFailed
	populated := 0
	if len(t.Result) > 0 {
		populated++
	}
	if t.Error != nil {
		populated++
	}
	if hasOutcome && populated != 1 {
		return NewValidationError("result", "exactly one of result or error must be set")
	}
	if !hasOutcome && populated != 0 {
		return NewValidationError("result", "result and error are only set on completed or failed")
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return NewValidationError("payload", "cannot be empty")
	}
	if len(payload) > MaxPayloadBytes {
		return NewValidationError("payload", "exceeds maximum size")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return NewValidationError("payload", "must be a JSON object")
	}
	return nil
}

// IsPastDeadline reports whether the task's deadline has passed at now.
func (t *Task) IsPastDeadline(now time.Time) bool {
	return !now.Before(t.Deadline)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.Result = cloneRaw(t.Result)
	c.AdmittedAt = cloneTime(t.AdmittedAt)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.LastPolledAt = cloneTime(t.LastPolledAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.RetryOf != nil {
		id := *t.RetryOf
		c.RetryOf = &id
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
