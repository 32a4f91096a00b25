package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
)

// Lifecycle event types.
const (
	TypeTaskSubmitted = "task.submitted"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskCancelled = "task.cancelled"
)

// TaskEvent describes one lifecycle change of a task.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	TaskID      uuid.UUID        `json:"task_id"`
	OwnerID     uuid.UUID        `json:"owner_id"`
	State       domain.TaskState `json:"state"`
	ExternalRef string           `json:"external_ref,omitempty"`

	// ErrorCode is set for task.failed events
	ErrorCode domain.ErrorCode `json:"error_code,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskEvent builds an event of the given type from a task snapshot.
func NewTaskEvent(eventType string, task *domain.Task) *TaskEvent {
	event := &TaskEvent{
		ID:          uuid.New(),
		Type:        eventType,
		TaskID:      task.ID,
		OwnerID:     task.OwnerID,
		State:       task.State,
		ExternalRef: task.ExternalRef,
		CreatedAt:   time.Now().UTC(),
	}
	if task.Error != nil {
		event.ErrorCode = task.Error.Code
	}
	return event
}

// TypeForState returns the event type emitted when a task enters state, or
// "" when entering that state is not announced.
func TypeForState(state domain.TaskState) string {
	switch state {
	case domain.TaskStateSubmitted:
		return TypeTaskSubmitted
	case domain.TaskStateCompleted:
		return TypeTaskCompleted
	case domain.TaskStateFailed:
		return TypeTaskFailed
	case domain.TaskStateCancelled:
		return TypeTaskCancelled
	default:
		return ""
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// NopEmitter discards events.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
