package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(uuid.New(), domain.TaskKindDocumentParse,
		json.RawMessage(`{"document_id":"d"}`), 3, time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, task.Transition(domain.TaskStateFailed, domain.TaskUpdate{
		Error: &domain.TaskError{Code: domain.ErrorCodeTimeout, Message: "deadline exceeded"},
	}, time.Now()))
	return task
}

func TestNewTaskEvent(t *testing.T) {
	task := failedTask(t)

	event := NewTaskEvent(TypeTaskFailed, task)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeTaskFailed, event.Type)
	assert.Equal(t, task.ID, event.TaskID)
	assert.Equal(t, task.OwnerID, event.OwnerID)
	assert.Equal(t, domain.TaskStateFailed, event.State)
	assert.Equal(t, domain.ErrorCodeTimeout, event.ErrorCode)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)
}

func TestTypeForState(t *testing.T) {
	tests := []struct {
		state domain.TaskState
		want  string
	}{
		{domain.TaskStatePending, ""},
		{domain.TaskStateAdmitted, ""},
		{domain.TaskStateSubmitted, TypeTaskSubmitted},
		{domain.TaskStatePolling, ""},
		{domain.TaskStateCompleted, TypeTaskCompleted},
		{domain.TaskStateFailed, TypeTaskFailed},
		{domain.TaskStateCancelled, TypeTaskCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, TypeForState(tt.state))
		})
	}
}

func TestHandlerFunc(t *testing.T) {
	var got *TaskEvent
	h := HandlerFunc(func(_ context.Context, e *TaskEvent) error {
		got = e
		return nil
	})
	event := NewTaskEvent(TypeTaskFailed, failedTask(t))

	require.NoError(t, h.HandleEvent(context.Background(), event))
	assert.Same(t, event, got)
	assert.NoError(t, NopEmitter{}.EmitEvent(context.Background(), event))
}
