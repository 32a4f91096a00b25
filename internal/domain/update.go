package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskUpdate carries the fields written together with a state transition.
// Lifecycle timestamps are derived from the target state by Transition and
// are not part of the update.
type TaskUpdate struct {
	ExternalRef   string
	Attempt       *int
	Progress      *int
	NextAttemptAt *time.Time
	Result        json.RawMessage
	Error         *TaskError
}

// IntPtr is a small helper for building updates.
func IntPtr(v int) *int { return &v }

// TimePtr is a small helper for building updates.
func TimePtr(v time.Time) *time.Time { return &v }

// Transition moves t to the target state and applies upd. The receiver is
// only modified when the whole change is valid.
func (t *Task) Transition(to TaskState, upd TaskUpdate, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	now = now.UTC()
	next := t.Clone()

	if upd.ExternalRef != "" {
		if next.ExternalRef != "" && next.ExternalRef != upd.ExternalRef {
			return ErrExternalRefImmutable
		}
		next.ExternalRef = upd.ExternalRef
	}
	if upd.Attempt != nil {
		if *upd.Attempt > next.MaxAttempts || *upd.Attempt < next.Attempt {
			return fmt.Errorf("%w: %d of %d", ErrAttemptsExceeded, *upd.Attempt, next.MaxAttempts)
		}
		next.Attempt = *upd.Attempt
	}
	if upd.Progress != nil {
		if *upd.Progress < 0 || *upd.Progress > 100 {
			return NewValidationError("progress", "must be between 0 and 100")
		}
		next.Progress = *upd.Progress
	}
	if upd.NextAttemptAt != nil {
		next.NextAttemptAt = upd.NextAttemptAt.UTC()
	}

	switch to {
	case TaskStateCompleted:
		if len(upd.Result) == 0 || upd.Error != nil {
			return ErrTerminalPayload
		}
		next.Result = cloneRaw(upd.Result)
		next.Progress = 100
	case TaskStateFailed:
		if upd.Error == nil || len(upd.Result) > 0 {
			return ErrTerminalPayload
		}
		e := *upd.Error
		next.Error = &e
	default:
		if len(upd.Result) > 0 || upd.Error != nil {
			return ErrTerminalPayload
		}
	}

	switch to {
	case TaskStateAdmitted:
		if next.AdmittedAt == nil {
			next.AdmittedAt = &now
		}
	case TaskStateSubmitted:
		if next.ExternalRef == "" {
			return NewValidationError("external_ref", "required on submission")
		}
		if next.SubmittedAt == nil {
			next.SubmittedAt = &now
		}
	case TaskStatePolling:
		next.LastPolledAt = &now
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
	}

	next.State = to
	next.UpdatedAt = now
	next.Version++
	*t = *next
	return nil
}
