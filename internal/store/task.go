package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
)

// DispatchQuery selects admission candidates.
type DispatchQuery struct {
	// Now is the time against which NextAttemptAt is compared.
	Now time.Time
	// PerOwner caps how many of each owner's oldest due tasks are returned.
	// Zero means no cap.
	PerOwner int
	// ExcludeOwners are left out entirely, typically owners already at
	// their concurrency ceiling.
	ExcludeOwners []uuid.UUID
	// Limit caps the total; zero means no limit.
	Limit int
}

// TaskStore is the durable record of every task. It is the single source of
// truth for task state; every other view (such as the concurrency ledger)
// is derived from it.
type TaskStore interface {
	// Create persists a new task. Returns ErrInvalidEntity if validation
	// fails or ErrDuplicate if the id already exists.
	Create(ctx context.Context, task *domain.Task) error

	// Get returns the task with the given id or ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByExternalRef returns the task holding the engine reference or
	// ErrTaskNotFound.
	GetByExternalRef(ctx context.Context, ref string) (*domain.Task, error)

	// CompareAndTransition atomically moves the task from the expected state
	// to the target state, applying upd in the same write. It returns
	// ErrConflict if the stored state (or version) no longer matches, and the
	// updated task on success. It is the only mutation primitive.
	CompareAndTransition(
		ctx context.Context,
		id uuid.UUID,
		from, to domain.TaskState,
		upd domain.TaskUpdate,
	) (*domain.Task, error)

	// ListByOwner returns the owner's tasks, newest first, optionally
	// filtered by state. A limit of zero means no limit.
	ListByOwner(
		ctx context.Context,
		ownerID uuid.UUID,
		states []domain.TaskState,
		limit, offset int,
	) ([]*domain.Task, error)

	// ListDispatchable returns pending tasks whose next attempt is due,
	// oldest first, shaped by q so that one owner's backlog cannot fill the
	// window.
	ListDispatchable(ctx context.Context, q DispatchQuery) ([]*domain.Task, error)

	// ListDueForPolling returns submitted or polling tasks not checked since
	// polledBefore, least recently checked first.
	ListDueForPolling(ctx context.Context, polledBefore time.Time, limit int) ([]*domain.Task, error)

	// ListPastDeadline returns non-terminal tasks whose deadline is at or
	// before now.
	ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ListStaleAdmitted returns tasks that entered admitted before the cutoff
	// and are still there, typically because a worker died mid-submission.
	// The time of the latest admission counts, not the first one.
	ListStaleAdmitted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error)

	// ListInFlight returns a slot for every task in a quota-counted state.
	ListInFlight(ctx context.Context) ([]domain.Slot, error)

	// CountByState counts tasks per state, for one owner or for everyone
	// when ownerID is nil.
	CountByState(ctx context.Context, ownerID *uuid.UUID) (map[domain.TaskState]int, error)

	// PurgeTerminal deletes terminal tasks completed before olderThan and
	// returns how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}
