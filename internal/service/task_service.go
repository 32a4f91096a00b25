package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/events"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/phrazzld/parsedispatch/internal/task"
)

// Listing bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// maxCancelAttempts bounds how often Cancel re-reads after losing a race.
const maxCancelAttempts = 5

// CancelOutcome tells the caller what a cancel request did.
type CancelOutcome string

// Cancel outcomes. Neither is an error.
const (
	CancelOutcomeCancelled       CancelOutcome = "cancelled"
	CancelOutcomeAlreadyTerminal CancelOutcome = "already_terminal"
)

// SlotLedger is the part of the concurrency limiter the facade needs.
type SlotLedger interface {
	Release(taskID uuid.UUID) bool
	InFlight(owner uuid.UUID) int
	GlobalInFlight() int
	Config() task.LimiterConfig
}

// ListFilter narrows ListForOwner. A zero Limit means DefaultListLimit.
type ListFilter struct {
	States []domain.TaskState
	Limit  int
	Offset int
}

// TaskStats summarises one owner's tasks.
type TaskStats struct {
	Counts         map[domain.TaskState]int `json:"counts"`
	InFlight       int                      `json:"in_flight"`
	MaxInFlight    int                      `json:"max_in_flight"`
	GlobalInFlight int                      `json:"global_in_flight"`
	MaxGlobal      int                      `json:"max_global"`
}

// TaskServiceConfig holds the per-task settings applied at submission.
// MaxAttempts and TaskTimeout are both the defaults and the upper bounds for
// per-task overrides. A zero MaxScheduleDelay leaves scheduling unbounded.
type TaskServiceConfig struct {
	MaxAttempts      int
	TaskTimeout      time.Duration
	MaxScheduleDelay time.Duration
}

// SubmitOptions are optional per-task overrides. Zero values fall back to
// the configured defaults.
type SubmitOptions struct {
	// ScheduledAt delays the first attempt. Past times mean now.
	ScheduledAt *time.Time
	Timeout     time.Duration
	MaxAttempts int
}

// TaskService is the caller-facing API for parse tasks.
type TaskService interface {
	// Submit records a new pending task and returns immediately. Only a
	// *domain.ValidationError fails the call; the dispatcher picks the task
	// up asynchronously.
	Submit(
		ctx context.Context,
		ownerID uuid.UUID,
		kind domain.TaskKind,
		payload json.RawMessage,
		opts SubmitOptions,
	) (*domain.Task, error)

	// Get returns the task if ownerID owns it.
	Get(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)

	// Cancel moves a non-terminal task to cancelled. Cancelling a task that
	// already finished is not an error; the outcome says which happened.
	Cancel(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, CancelOutcome, error)

	// ListForOwner returns the owner's tasks, newest first.
	ListForOwner(ctx context.Context, ownerID uuid.UUID, filter ListFilter) ([]*domain.Task, error)

	// Retry creates a fresh task from a failed one.
	Retry(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error)

	// Stats returns per-state counts and the owner's slot usage.
	Stats(ctx context.Context, ownerID uuid.UUID) (*TaskStats, error)
}

// TaskServiceError wraps errors from the task service with context.
type TaskServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "cancel")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for TaskServiceError.
func (e *TaskServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskServiceError) Unwrap() error {
	return e.Err
}

// NewTaskServiceError creates a new TaskServiceError.
// Known sentinels and validation errors are returned unwrapped.
func NewTaskServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, store.ErrTaskNotFound):
		return ErrTaskNotFound
	case errors.Is(err, ErrNotOwned):
		return ErrNotOwned
	case errors.Is(err, ErrNotRetryable):
		return ErrNotRetryable
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr
	}

	return &TaskServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

type taskServiceImpl struct {
	store   store.TaskStore
	ledger  SlotLedger
	emitter events.EventEmitter
	cfg     TaskServiceConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewTaskService creates a TaskService.
// It returns an error if any of the required dependencies are nil.
func NewTaskService(
	taskStore store.TaskStore,
	ledger SlotLedger,
	emitter events.EventEmitter,
	cfg TaskServiceConfig,
	log *slog.Logger,
) (TaskService, error) {
	if taskStore == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "taskStore cannot be nil"}
	}
	if ledger == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "ledger cannot be nil"}
	}
	if cfg.MaxAttempts < 1 {
		return nil, &TaskServiceError{Operation: "create_service", Message: "max attempts must be at least 1"}
	}
	if cfg.TaskTimeout <= 0 {
		return nil, &TaskServiceError{Operation: "create_service", Message: "task timeout must be positive"}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &taskServiceImpl{
		store:   taskStore,
		ledger:  ledger,
		emitter: emitter,
		cfg:     cfg,
		logger:  log.With("component", "task_service"),
		now:     time.Now,
	}, nil
}

func (s *taskServiceImpl) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// Submit validates the request and stores a pending task.
func (s *taskServiceImpl) Submit(
	ctx context.Context,
	ownerID uuid.UUID,
	kind domain.TaskKind,
	payload json.RawMessage,
	opts SubmitOptions,
) (*domain.Task, error) {
	now := s.now()
	t, err := s.newTask(ownerID, kind, payload, opts, now)
	if err != nil {
		s.log(ctx).Debug("rejected task submission",
			"owner_id", ownerID,
			"kind", kind,
			"error", err)
		return nil, NewTaskServiceError("submit", "invalid task", err)
	}

	if err := s.store.Create(ctx, t); err != nil {
		s.log(ctx).Error("failed to store task",
			"error", err,
			"owner_id", ownerID,
			"task_id", t.ID)
		return nil, NewTaskServiceError("submit", "failed to store task", err)
	}

	s.log(ctx).Info("task accepted",
		"task_id", t.ID,
		"owner_id", ownerID,
		"kind", kind,
		"next_attempt_at", t.NextAttemptAt)
	return t, nil
}

// newTask applies opts over the configured defaults and rejects overrides
// outside the configured bounds.
func (s *taskServiceImpl) newTask(
	ownerID uuid.UUID,
	kind domain.TaskKind,
	payload json.RawMessage,
	opts SubmitOptions,
	now time.Time,
) (*domain.Task, error) {
	maxAttempts := s.cfg.MaxAttempts
	if opts.MaxAttempts != 0 {
		if opts.MaxAttempts < 1 || opts.MaxAttempts > s.cfg.MaxAttempts {
			return nil, domain.NewValidationError("max_attempts",
				fmt.Sprintf("must be between 1 and %d", s.cfg.MaxAttempts))
		}
		maxAttempts = opts.MaxAttempts
	}

	timeout := s.cfg.TaskTimeout
	if opts.Timeout != 0 {
		if opts.Timeout < 0 || opts.Timeout > s.cfg.TaskTimeout {
			return nil, domain.NewValidationError("timeout",
				fmt.Sprintf("must be positive and at most %s", s.cfg.TaskTimeout))
		}
		timeout = opts.Timeout
	}

	if opts.ScheduledAt != nil && s.cfg.MaxScheduleDelay > 0 &&
		opts.ScheduledAt.Sub(now) > s.cfg.MaxScheduleDelay {
		return nil, domain.NewValidationError("scheduled_at",
			fmt.Sprintf("must be within %s from now", s.cfg.MaxScheduleDelay))
	}

	t, err := domain.NewTask(ownerID, kind, payload, maxAttempts, timeout, now)
	if err != nil {
		return nil, err
	}
	if opts.ScheduledAt != nil {
		t.ScheduleAt(*opts.ScheduledAt)
	}
	return t, nil
}

// Get loads a task and checks ownership.
func (s *taskServiceImpl) Get(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error) {
	return s.owned(ctx, "get", ownerID, taskID)
}

func (s *taskServiceImpl) owned(ctx context.Context, op string, ownerID, taskID uuid.UUID) (*domain.Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		if !store.IsNotFoundError(err) {
			s.log(ctx).Error("failed to load task",
				"error", err,
				"task_id", taskID,
				"operation", op)
		}
		return nil, NewTaskServiceError(op, "failed to load task", err)
	}
	if t.OwnerID != ownerID {
		s.log(ctx).Warn("task ownership check failed",
			"task_id", taskID,
			"requester_id", ownerID)
		return nil, ErrNotOwned
	}
	return t, nil
}

// Cancel moves the task to cancelled from whatever non-terminal state it is
// in, re-reading after each lost race.
func (s *taskServiceImpl) Cancel(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
) (*domain.Task, CancelOutcome, error) {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		current, err := s.owned(ctx, "cancel", ownerID, taskID)
		if err != nil {
			return nil, "", err
		}
		if current.State.IsTerminal() {
			return current, CancelOutcomeAlreadyTerminal, nil
		}

		cancelled, err := s.store.CompareAndTransition(
			ctx, taskID, current.State, domain.TaskStateCancelled, domain.TaskUpdate{})
		if store.IsConflict(err) {
			s.log(ctx).Debug("cancel lost a race, re-reading",
				"task_id", taskID,
				"from", current.State)
			continue
		}
		if err != nil {
			s.log(ctx).Error("failed to cancel task",
				"error", err,
				"task_id", taskID,
				"from", current.State)
			return nil, "", NewTaskServiceError("cancel", "failed to cancel task", err)
		}

		s.ledger.Release(taskID)
		event := events.NewTaskEvent(events.TypeTaskCancelled, cancelled)
		if err := s.emitter.EmitEvent(ctx, event); err != nil {
			s.log(ctx).Warn("failed to emit cancel event",
				"task_id", taskID,
				"error", err)
		}

		s.log(ctx).Info("task cancelled",
			"task_id", taskID,
			"from", current.State)
		return cancelled, CancelOutcomeCancelled, nil
	}

	return nil, "", &TaskServiceError{
		Operation: "cancel",
		Message:   "task kept changing state",
		Err:       store.ErrConflict,
	}
}

// ListForOwner returns a page of the owner's tasks.
func (s *taskServiceImpl) ListForOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	filter ListFilter,
) ([]*domain.Task, error) {
	for _, st := range filter.States {
		if !st.IsValid() {
			return nil, domain.NewValidationError("state", fmt.Sprintf("unknown state %q", st))
		}
	}
	if filter.Offset < 0 {
		return nil, domain.NewValidationError("offset", "cannot be negative")
	}
	limit := filter.Limit
	switch {
	case limit < 0:
		return nil, domain.NewValidationError("limit", "cannot be negative")
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	tasks, err := s.store.ListByOwner(ctx, ownerID, filter.States, limit, filter.Offset)
	if err != nil {
		s.log(ctx).Error("failed to list tasks",
			"error", err,
			"owner_id", ownerID)
		return nil, NewTaskServiceError("list", "failed to list tasks", err)
	}
	return tasks, nil
}

// Retry creates a new pending task with the failed task's kind and payload.
func (s *taskServiceImpl) Retry(ctx context.Context, ownerID, taskID uuid.UUID) (*domain.Task, error) {
	original, err := s.owned(ctx, "retry", ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if original.State != domain.TaskStateFailed {
		return nil, ErrNotRetryable
	}

	t, err := domain.NewTask(
		ownerID, original.Kind, original.Payload, s.cfg.MaxAttempts, s.cfg.TaskTimeout, s.now())
	if err != nil {
		return nil, NewTaskServiceError("retry", "failed to build retry task", err)
	}
	retryOf := original.ID
	t.RetryOf = &retryOf

	if err := s.store.Create(ctx, t); err != nil {
		s.log(ctx).Error("failed to store retry task",
			"error", err,
			"task_id", taskID)
		return nil, NewTaskServiceError("retry", "failed to store retry task", err)
	}

	s.log(ctx).Info("task retried",
		"task_id", t.ID,
		"retry_of", original.ID)
	return t, nil
}

// Stats counts the owner's tasks by state.
func (s *taskServiceImpl) Stats(ctx context.Context, ownerID uuid.UUID) (*TaskStats, error) {
	counts, err := s.store.CountByState(ctx, &ownerID)
	if err != nil {
		s.log(ctx).Error("failed to count tasks",
			"error", err,
			"owner_id", ownerID)
		return nil, NewTaskServiceError("stats", "failed to count tasks", err)
	}
	if counts == nil {
		counts = make(map[domain.TaskState]int, len(domain.AllTaskStates))
	}
	for _, st := range domain.AllTaskStates {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}

	cfg := s.ledger.Config()
	return &TaskStats{
		Counts:         counts,
		InFlight:       s.ledger.InFlight(ownerID),
		MaxInFlight:    cfg.MaxPerOwner,
		GlobalInFlight: s.ledger.GlobalInFlight(),
		MaxGlobal:      cfg.MaxGlobal,
	}, nil
}
