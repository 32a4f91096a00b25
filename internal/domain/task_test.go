package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPayload = json.RawMessage(`{"document_id":"doc-1"}`)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	task, err := NewTask(uuid.New(), TaskKindDocumentParse, testPayload, 3, time.Hour, time.Now())
	require.NoError(t, err)
	return task
}

func TestNewTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	owner := uuid.New()

	t.Run("valid", func(t *testing.T) {
		task, err := NewTask(owner, TaskKindBatchParse, testPayload, 3, 30*time.Minute, now)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, owner, task.OwnerID)
		assert.Equal(t, TaskStatePending, task.State)
		assert.Equal(t, 0, task.Attempt)
		assert.Equal(t, now, task.CreatedAt)
		assert.Equal(t, now, task.NextAttemptAt)
		assert.Equal(t, now.Add(30*time.Minute), task.Deadline)
		assert.Empty(t, task.ExternalRef)
	})

	tests := []struct {
		name    string
		owner   uuid.UUID
		kind    TaskKind
		payload json.RawMessage
		max     int
		timeout time.Duration
		field   string
	}{
		{"nil owner", uuid.Nil, TaskKindDocumentParse, testPayload, 3, time.Hour, "owner_id"},
		{"bad kind", owner, TaskKind("ocr"), testPayload, 3, time.Hour, "kind"},
		{"empty payload", owner, TaskKindDocumentParse, nil, 3, time.Hour, "payload"},
		{"array payload", owner, TaskKindDocumentParse, json.RawMessage(`[1]`), 3, time.Hour, "payload"},
		{
			"oversized payload", owner, TaskKindDocumentParse,
			json.RawMessage(`{"x":"` + strings.Repeat("a", MaxPayloadBytes) + `"}`), 3, time.Hour, "payload",
		},
		{"zero attempts", owner, TaskKindDocumentParse, testPayload, 0, time.Hour, "max_attempts"},
		{"zero timeout", owner, TaskKindDocumentParse, testPayload, 3, 0, "timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTask(tc.owner, tc.kind, tc.payload, tc.max, tc.timeout, now)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestTaskScheduleAt(t *testing.T) {
	task := newTestTask(t)
	created := task.CreatedAt

	task.ScheduleAt(created.Add(-time.Minute))
	assert.Equal(t, created, task.NextAttemptAt)
	assert.Equal(t, created.Add(time.Hour), task.Deadline)

	at := created.Add(3 * time.Hour)
	task.ScheduleAt(at)
	assert.Equal(t, at, task.NextAttemptAt)
	assert.Equal(t, at.Add(time.Hour), task.Deadline)
	assert.Equal(t, created, task.CreatedAt)
	assert.NoError(t, task.Validate())
}

func TestTaskTransitionLifecycle(t *testing.T) {
	t.Parallel()

	task := newTestTask(t)
	now := time.Now().UTC()

	require.NoError(t, task.Transition(TaskStateAdmitted, TaskUpdate{}, now))
	require.NotNil(t, task.AdmittedAt)
	firstAdmit := *task.AdmittedAt

	retryAt := now.Add(time.Second)
	require.NoError(t, task.Transition(TaskStatePending, TaskUpdate{
		Attempt:       IntPtr(1),
		NextAttemptAt: &retryAt,
	}, now))
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, retryAt, task.NextAttemptAt)

	require.NoError(t, task.Transition(TaskStateAdmitted, TaskUpdate{}, now.Add(2*time.Second)))
	assert.Equal(t, firstAdmit, *task.AdmittedAt, "admittedAt is set once")

	require.NoError(t, task.Transition(TaskStateSubmitted, TaskUpdate{
		ExternalRef: "job-1",
		Attempt:     IntPtr(2),
	}, now))
	assert.Equal(t, "job-1", task.ExternalRef)
	require.NotNil(t, task.SubmittedAt)

	require.NoError(t, task.Transition(TaskStatePolling, TaskUpdate{}, now))
	require.NoError(t, task.Transition(TaskStatePolling, TaskUpdate{Progress: IntPtr(40)}, now.Add(time.Minute)))
	assert.Equal(t, 40, task.Progress)
	assert.Equal(t, now.Add(time.Minute), *task.LastPolledAt)

	require.NoError(t, task.Transition(TaskStateCompleted, TaskUpdate{
		Result: json.RawMessage(`{"pages":3}`),
	}, now))
	assert.Equal(t, 100, task.Progress)
	assert.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.Error)
	assert.NoError(t, task.Validate())

	err := task.Transition(TaskStateCancelled, TaskUpdate{}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTaskTransitionRules(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("external ref is immutable", func(t *testing.T) {
		task := newTestTask(t)
		task.ExternalRef = "job-1"
		task.State = TaskStateAdmitted
		err := task.Transition(TaskStateSubmitted, TaskUpdate{ExternalRef: "job-2"}, now)
		assert.ErrorIs(t, err, ErrExternalRefImmutable)
		assert.Equal(t, TaskStateAdmitted, task.State, "failed transition leaves task untouched")
	})

	t.Run("submission requires external ref", func(t *testing.T) {
		task := newTestTask(t)
		require.NoError(t, task.Transition(TaskStateAdmitted, TaskUpdate{}, now))
		err := task.Transition(TaskStateSubmitted, TaskUpdate{}, now)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("attempt cannot exceed ceiling", func(t *testing.T) {
		task := newTestTask(t)
		require.NoError(t, task.Transition(TaskStateAdmitted, TaskUpdate{}, now))
		err := task.Transition(TaskStatePending, TaskUpdate{Attempt: IntPtr(4)}, now)
		assert.ErrorIs(t, err, ErrAttemptsExceeded)
	})

	t.Run("failed requires error and no result", func(t *testing.T) {
		task := newTestTask(t)
		err := task.Transition(TaskStateFailed, TaskUpdate{}, now)
		assert.ErrorIs(t, err, ErrTerminalPayload)

		err = task.Transition(TaskStateFailed, TaskUpdate{
			Error:  &TaskError{Code: ErrorCodeTimeout},
			Result: json.RawMessage(`{}`),
		}, now)
		assert.ErrorIs(t, err, ErrTerminalPayload)

		require.NoError(t, task.Transition(TaskStateFailed, TaskUpdate{
			Error: &TaskError{Code: ErrorCodeTimeout, Message: "deadline exceeded"},
		}, now))
		assert.NoError(t, task.Validate())
	})

	t.Run("cancel carries neither result nor error", func(t *testing.T) {
		task := newTestTask(t)
		err := task.Transition(TaskStateCancelled, TaskUpdate{Error: &TaskError{Code: ErrorCodePermanent}}, now)
		assert.ErrorIs(t, err, ErrTerminalPayload)
		require.NoError(t, task.Transition(TaskStateCancelled, TaskUpdate{}, now))
		assert.NoError(t, task.Validate())
	})

	t.Run("version increments", func(t *testing.T) {
		task := newTestTask(t)
		v := task.Version
		require.NoError(t, task.Transition(TaskStateAdmitted, TaskUpdate{}, now))
		assert.Equal(t, v+1, task.Version)
	})
}

func TestTaskClone(t *testing.T) {
	t.Parallel()

	task := newTestTask(t)
	now := time.Now()
	task.AdmittedAt = &now
	task.Error = &TaskError{Code: ErrorCodePermanent}

	c := task.Clone()
	c.Payload[0] = 'x'
	*c.AdmittedAt = now.Add(time.Hour)
	c.Error.Code = ErrorCodeTimeout

	assert.Equal(t, byte('{'), task.Payload[0])
	assert.Equal(t, now, *task.AdmittedAt)
	assert.Equal(t, ErrorCodePermanent, task.Error.Code)
}

func TestIsPastDeadline(t *testing.T) {
	t.Parallel()

	task := newTestTask(t)
	assert.False(t, task.IsPastDeadline(task.Deadline.Add(-time.Nanosecond)))
	assert.True(t, task.IsPastDeadline(task.Deadline))
}
