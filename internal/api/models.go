package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/engine"
	"github.com/phrazzld/parsedispatch/internal/service"
)

// SubmitTaskRequest is the body of POST /api/tasks. The optional fields
// override the server defaults and may only tighten them.
type SubmitTaskRequest struct {
	Kind           string          `json:"kind"                      validate:"required"`
	Payload        json.RawMessage `json:"payload"                   validate:"required"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

func (r SubmitTaskRequest) options() service.SubmitOptions {
	return service.SubmitOptions{
		ScheduledAt: r.ScheduledAt,
		Timeout:     time.Duration(r.TimeoutSeconds) * time.Second,
		MaxAttempts: r.MaxAttempts,
	}
}

// TaskErrorResponse describes why a task failed.
type TaskErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskResponse is the caller-facing view of a task.
type TaskResponse struct {
	ID            uuid.UUID          `json:"id"`
	Kind          string             `json:"kind"`
	State         string             `json:"state"`
	Progress      int                `json:"progress"`
	Attempt       int                `json:"attempt"`
	MaxAttempts   int                `json:"max_attempts"`
	Payload       json.RawMessage    `json:"payload"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Error         *TaskErrorResponse `json:"error,omitempty"`
	RetryOf       *uuid.UUID         `json:"retry_of,omitempty"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty"`
	Deadline      time.Time          `json:"deadline"`
	CreatedAt     time.Time          `json:"created_at"`
	SubmittedAt   *time.Time         `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// CancelTaskResponse reports what a cancel request did.
type CancelTaskResponse struct {
	Outcome string       `json:"outcome"`
	Task    TaskResponse `json:"task"`
}

// ListTasksResponse is one page of an owner's tasks.
type ListTasksResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// EngineCallbackRequest is the body the engine posts when a job changes.
type EngineCallbackRequest struct {
	JobID    string          `json:"job_id"   validate:"required"`
	Status   string          `json:"status"   validate:"required"`
	Progress int             `json:"progress" validate:"gte=0,lte=100"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (c EngineCallbackRequest) jobStatus() engine.JobStatus {
	return engine.JobStatus{
		JobID:    c.JobID,
		Status:   c.Status,
		Progress: c.Progress,
		Result:   c.Result,
		Error:    c.Error,
	}
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		Kind:        string(t.Kind),
		State:       string(t.State),
		Progress:    t.Progress,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Payload:     t.Payload,
		Result:      t.Result,
		RetryOf:     t.RetryOf,
		Deadline:    t.Deadline,
		CreatedAt:   t.CreatedAt,
		SubmittedAt: t.SubmittedAt,
		CompletedAt: t.CompletedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.State == domain.TaskStatePending {
		next := t.NextAttemptAt
		resp.NextAttemptAt = &next
	}
	if t.Error != nil {
		resp.Error = &TaskErrorResponse{
			Code:      string(t.Error.Code),
			Message:   t.Error.Message,
			Retryable: t.Error.Retryable,
		}
	}
	return resp
}

func tasksToResponse(tasks []*domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToResponse(t))
	}
	return out
}
