package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/store"
)

// MemoryTaskStore is an in-process store.TaskStore. It backs unit tests and
// the memory database driver used for local development.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
	refs  map[string]uuid.UUID

	// Now supplies timestamps for transitions. Defaults to time.Now.
	Now func() time.Time

	// BeforeTransitionFn, when set, runs before the lock is taken on every
	// CompareAndTransition. Tests use it to interleave competing writers.
	BeforeTransitionFn func(id uuid.UUID, from, to domain.TaskState)
}

var _ store.TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
		refs:  make(map[string]uuid.UUID),
		Now:   time.Now,
	}
}

// Create implements store.TaskStore.
func (s *MemoryTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}
	if task.ExternalRef != "" {
		if _, taken := s.refs[task.ExternalRef]; taken {
			return store.ErrExternalRefExists
		}
		s.refs[task.ExternalRef] = task.ID
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get implements store.TaskStore.
func (s *MemoryTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// GetByExternalRef implements store.TaskStore.
func (s *MemoryTaskStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refs[ref]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return s.tasks[id].Clone(), nil
}

// CompareAndTransition implements store.TaskStore.
func (s *MemoryTaskStore) CompareAndTransition(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.TaskState,
	upd domain.TaskUpdate,
) (*domain.Task, error) {
	if s.BeforeTransitionFn != nil {
		s.BeforeTransitionFn(id, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if current.State != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", store.ErrConflict, id, current.State, from)
	}

	next := current.Clone()
	if err := next.Transition(to, upd, s.Now()); err != nil {
		return nil, err
	}
	if next.ExternalRef != "" && next.ExternalRef != current.ExternalRef {
		if owner, taken := s.refs[next.ExternalRef]; taken && owner != id {
			return nil, store.ErrExternalRefExists
		}
		s.refs[next.ExternalRef] = id
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

// ListByOwner implements store.TaskStore.
func (s *MemoryTaskStore) ListByOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	states []domain.TaskState,
	limit, offset int,
) ([]*domain.Task, error) {
	out := s.filter(func(t *domain.Task) bool {
		return t.OwnerID == ownerID && (len(states) == 0 || containsState(states, t.State))
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return []*domain.Task{}, nil
		}
		out = out[offset:]
	}
	return truncate(out, limit), nil
}

// ListDispatchable implements store.TaskStore.
func (s *MemoryTaskStore) ListDispatchable(ctx context.Context, q store.DispatchQuery) ([]*domain.Task, error) {
	excluded := make(map[uuid.UUID]bool, len(q.ExcludeOwners))
	for _, owner := range q.ExcludeOwners {
		excluded[owner] = true
	}
	due := s.filter(func(t *domain.Task) bool {
		return t.State == domain.TaskStatePending && !t.NextAttemptAt.After(q.Now) && !excluded[t.OwnerID]
	})
	sortByCreated(due)

	out := make([]*domain.Task, 0, len(due))
	perOwner := make(map[uuid.UUID]int)
	for _, t := range due {
		if q.PerOwner > 0 && perOwner[t.OwnerID] >= q.PerOwner {
			continue
		}
		perOwner[t.OwnerID]++
		out = append(out, t)
	}
	return truncate(out, q.Limit), nil
}

// ListDueForPolling implements store.TaskStore.
func (s *MemoryTaskStore) ListDueForPolling(ctx context.Context, polledBefore time.Time, limit int) ([]*domain.Task, error) {
	out := s.filter(func(t *domain.Task) bool {
		if t.State != domain.TaskStateSubmitted && t.State != domain.TaskStatePolling {
			return false
		}
		last := lastChecked(t)
		return !last.After(polledBefore)
	})
	sort.SliceStable(out, func(i, j int) bool { return lastChecked(out[i]).Before(lastChecked(out[j])) })
	return truncate(out, limit), nil
}

// ListPastDeadline implements store.TaskStore.
func (s *MemoryTaskStore) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	out := s.filter(func(t *domain.Task) bool {
		return !t.State.IsTerminal() && !t.Deadline.After(now)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return truncate(out, limit), nil
}

// ListStaleAdmitted implements store.TaskStore.
func (s *MemoryTaskStore) ListStaleAdmitted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error) {
	out := s.filter(func(t *domain.Task) bool {
		return t.State == domain.TaskStateAdmitted && t.UpdatedAt.Before(cutoff)
	})
	sortByCreated(out)
	return truncate(out, limit), nil
}

// ListInFlight implements store.TaskStore.
func (s *MemoryTaskStore) ListInFlight(ctx context.Context) ([]domain.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slots := make([]domain.Slot, 0)
	for _, t := range s.tasks {
		if t.State.CountsTowardQuota() {
			slots = append(slots, domain.Slot{TaskID: t.ID, OwnerID: t.OwnerID})
		}
	}
	return slots, nil
}

// CountByState implements store.TaskStore.
func (s *MemoryTaskStore) CountByState(ctx context.Context, ownerID *uuid.UUID) (map[domain.TaskState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.TaskState]int, len(domain.AllTaskStates))
	for _, t := range s.tasks {
		if ownerID != nil && t.OwnerID != *ownerID {
			continue
		}
		counts[t.State]++
	}
	return counts, nil
}

// PurgeTerminal implements store.TaskStore.
func (s *MemoryTaskStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.State.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(olderThan) {
			if t.ExternalRef != "" {
				delete(s.refs, t.ExternalRef)
			}
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryTaskStore) filter(keep func(*domain.Task) bool) []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Task, 0)
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func lastChecked(t *domain.Task) time.Time {
	if t.LastPolledAt != nil {
		return *t.LastPolledAt
	}
	if t.SubmittedAt != nil {
		return *t.SubmittedAt
	}
	return t.CreatedAt
}

func containsState(states []domain.TaskState, s domain.TaskState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func sortByCreated(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func truncate(tasks []*domain.Task, limit int) []*domain.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}
