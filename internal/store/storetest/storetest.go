// Package storetest holds the behavioural test suite every store.TaskStore
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.TaskStore

var payload = json.RawMessage(`{"document_id":"doc-1"}`)

// NewTask builds a pending task for owner created at the given time.
func NewTask(t *testing.T, owner uuid.UUID, createdAt time.Time) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(owner, domain.TaskKindDocumentParse, payload, 3, time.Hour, createdAt)
	require.NoError(t, err)
	return task
}

// Advance drives a stored task along the happy path until it reaches target.
func Advance(t *testing.T, s store.TaskStore, id uuid.UUID, target domain.TaskState) *domain.Task {
	t.Helper()
	ctx := context.Background()
	path := []struct {
		to  domain.TaskState
		upd domain.TaskUpdate
	}{
		{domain.TaskStateAdmitted, domain.TaskUpdate{}},
		{domain.TaskStateSubmitted, domain.TaskUpdate{ExternalRef: "job-" + id.String(), Attempt: domain.IntPtr(1)}},
		{domain.TaskStatePolling, domain.TaskUpdate{}},
		{domain.TaskStateCompleted, domain.TaskUpdate{Result: json.RawMessage(`{"pages":1}`)}},
	}

	task, err := s.Get(ctx, id)
	require.NoError(t, err)
	for _, step := range path {
		if task.State == target {
			return task
		}
		task, err = s.CompareAndTransition(ctx, id, task.State, step.to, step.upd)
		require.NoError(t, err)
	}
	require.Equal(t, target, task.State)
	return task
}

// Run executes the full conformance suite against the factory.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.OwnerID, got.OwnerID)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, domain.TaskStatePending, got.State)
		assert.JSONEq(t, string(task.Payload), string(got.Payload))
		assert.Equal(t, 3, got.MaxAttempts)
		assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, task.Deadline, got.Deadline, time.Millisecond)
		assert.Nil(t, got.AdmittedAt)

		err = s.Create(ctx, task)
		assert.ErrorIs(t, err, store.ErrDuplicate)

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("create rejects invalid task", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		task.Kind = "unknown"
		err := s.Create(ctx, task)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})

	t.Run("compare and transition", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))

		updated, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateAdmitted, updated.State)
		require.NotNil(t, updated.AdmittedAt)

		_, err = s.CompareAndTransition(ctx, task.ID, domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
		assert.ErrorIs(t, err, store.ErrConflict, "stale expected state")

		_, err = s.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, domain.TaskStateCompleted, domain.TaskUpdate{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.False(t, errors.Is(err, store.ErrConflict))

		_, err = s.CompareAndTransition(ctx, uuid.New(), domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
		assert.ErrorIs(t, err, store.ErrTaskNotFound)

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateAdmitted, got.State)
	})

	t.Run("full lifecycle persists fields", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))

		done := Advance(t, s, task.ID, domain.TaskStateCompleted)
		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStateCompleted, got.State)
		assert.Equal(t, "job-"+task.ID.String(), got.ExternalRef)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, `{"pages":1}`, string(got.Result))
		assert.Nil(t, got.Error)
		require.NotNil(t, got.SubmittedAt)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, *done.CompletedAt, *got.CompletedAt, time.Millisecond)
		assert.NoError(t, got.Validate())

		_, err = s.CompareAndTransition(ctx, task.ID, domain.TaskStateCompleted, domain.TaskStateCancelled, domain.TaskUpdate{})
		assert.Error(t, err, "terminal tasks never transition")
	})

	t.Run("failed task keeps error payload", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))
		Advance(t, s, task.ID, domain.TaskStateAdmitted)

		_, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, domain.TaskStateFailed, domain.TaskUpdate{
			Attempt: domain.IntPtr(1),
			Error:   &domain.TaskError{Code: domain.ErrorCodePermanent, Message: "unsupported format"},
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, domain.ErrorCodePermanent, got.Error.Code)
		assert.Equal(t, "unsupported format", got.Error.Message)
		assert.False(t, got.Error.Retryable)
		assert.Empty(t, got.Result)
	})

	t.Run("polling metadata update", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))
		polling := Advance(t, s, task.ID, domain.TaskStatePolling)

		updated, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStatePolling, domain.TaskStatePolling, domain.TaskUpdate{
			Progress: domain.IntPtr(55),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatePolling, updated.State)
		assert.Equal(t, 55, updated.Progress)
		assert.Equal(t, polling.ExternalRef, updated.ExternalRef)
	})

	t.Run("only one concurrent transition wins", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))

		const racers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, store.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)
	})

	t.Run("external ref is unique and queryable", func(t *testing.T) {
		s := newStore(t)
		a := NewTask(t, uuid.New(), base)
		b := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))
		Advance(t, s, a.ID, domain.TaskStateAdmitted)
		Advance(t, s, b.ID, domain.TaskStateAdmitted)

		_, err := s.CompareAndTransition(ctx, a.ID, domain.TaskStateAdmitted, domain.TaskStateSubmitted, domain.TaskUpdate{ExternalRef: "shared"})
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, b.ID, domain.TaskStateAdmitted, domain.TaskStateSubmitted, domain.TaskUpdate{ExternalRef: "shared"})
		assert.ErrorIs(t, err, store.ErrExternalRefExists)

		got, err := s.GetByExternalRef(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		_, err = s.GetByExternalRef(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("list by owner", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.New()
		var ids []uuid.UUID
		for i := 0; i < 4; i++ {
			task := NewTask(t, owner, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.Create(ctx, task))
			ids = append(ids, task.ID)
		}
		require.NoError(t, s.Create(ctx, NewTask(t, uuid.New(), base)))
		Advance(t, s, ids[0], domain.TaskStateCompleted)

		all, err := s.ListByOwner(ctx, owner, nil, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[3], all[0].ID, "newest first")

		pending, err := s.ListByOwner(ctx, owner, []domain.TaskState{domain.TaskStatePending}, 0, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 3)

		page, err := s.ListByOwner(ctx, owner, nil, 2, 1)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)
	})

	t.Run("list dispatchable honours due time and fifo", func(t *testing.T) {
		s := newStore(t)
		owner := uuid.New()
		first := NewTask(t, owner, base)
		second := NewTask(t, owner, base.Add(time.Second))
		later := NewTask(t, owner, base.Add(2*time.Second))
		for _, task := range []*domain.Task{second, first, later} {
			require.NoError(t, s.Create(ctx, task))
		}

		Advance(t, s, later.ID, domain.TaskStateAdmitted)
		_, err := s.CompareAndTransition(ctx, later.ID, domain.TaskStateAdmitted, domain.TaskStatePending, domain.TaskUpdate{
			Attempt:       domain.IntPtr(1),
			NextAttemptAt: domain.TimePtr(base.Add(time.Hour)),
		})
		require.NoError(t, err)

		due, err := s.ListDispatchable(ctx, store.DispatchQuery{Now: base.Add(time.Minute), Limit: 10})
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, first.ID, due[0].ID)
		assert.Equal(t, second.ID, due[1].ID)

		due, err = s.ListDispatchable(ctx, store.DispatchQuery{Now: base.Add(2 * time.Hour), Limit: 10})
		require.NoError(t, err)
		assert.Len(t, due, 3)

		due, err = s.ListDispatchable(ctx, store.DispatchQuery{Now: base.Add(2 * time.Hour), Limit: 1})
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("list dispatchable caps each owner so others stay visible", func(t *testing.T) {
		s := newStore(t)
		busy, quiet, full := uuid.New(), uuid.New(), uuid.New()
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Create(ctx, NewTask(t, busy, base.Add(time.Duration(i)*time.Second))))
		}
		fullTask := NewTask(t, full, base.Add(-time.Minute))
		require.NoError(t, s.Create(ctx, fullTask))
		quietTask := NewTask(t, quiet, base.Add(time.Hour))
		require.NoError(t, s.Create(ctx, quietTask))

		now := base.Add(2 * time.Hour)
		due, err := s.ListDispatchable(ctx, store.DispatchQuery{Now: now, Limit: 3})
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, fullTask.ID, due[0].ID)
		for _, task := range due {
			assert.NotEqual(t, quiet, task.OwnerID, "uncapped window is the globally oldest rows")
		}

		due, err = s.ListDispatchable(ctx, store.DispatchQuery{
			Now:           now,
			PerOwner:      2,
			ExcludeOwners: []uuid.UUID{full},
			Limit:         3,
		})
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, busy, due[0].OwnerID)
		assert.Equal(t, busy, due[1].OwnerID)
		assert.True(t, due[0].CreatedAt.Before(due[1].CreatedAt), "oldest first within an owner")
		assert.Equal(t, quietTask.ID, due[2].ID)
	})

	t.Run("list due for polling", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))
		submitted := Advance(t, s, task.ID, domain.TaskStateSubmitted)

		due, err := s.ListDueForPolling(ctx, submitted.SubmittedAt.Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.ListDueForPolling(ctx, submitted.SubmittedAt.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, task.ID, due[0].ID)

		polling := Advance(t, s, task.ID, domain.TaskStatePolling)
		due, err = s.ListDueForPolling(ctx, polling.LastPolledAt.Add(-time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
		due, err = s.ListDueForPolling(ctx, polling.LastPolledAt.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("list past deadline skips terminal tasks", func(t *testing.T) {
		s := newStore(t)
		open := NewTask(t, uuid.New(), base)
		closed := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, open))
		require.NoError(t, s.Create(ctx, closed))
		Advance(t, s, closed.ID, domain.TaskStateCompleted)

		due, err := s.ListPastDeadline(ctx, base.Add(30*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.ListPastDeadline(ctx, open.Deadline, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, open.ID, due[0].ID)
	})

	t.Run("list stale admitted", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))
		admitted := Advance(t, s, task.ID, domain.TaskStateAdmitted)

		stale, err := s.ListStaleAdmitted(ctx, admitted.UpdatedAt.Add(-time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = s.ListStaleAdmitted(ctx, admitted.UpdatedAt.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 1)
	})

	t.Run("stale admitted counts from the latest admission", func(t *testing.T) {
		s := newStore(t)
		task := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, task))
		first := Advance(t, s, task.ID, domain.TaskStateAdmitted)
		_, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, domain.TaskStatePending, domain.TaskUpdate{
			Attempt: domain.IntPtr(1),
		})
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		again, err := s.CompareAndTransition(ctx, task.ID, domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
		require.NoError(t, err)
		require.True(t, first.UpdatedAt.Before(again.UpdatedAt.Add(-time.Millisecond)))

		// The cutoff falls after the first admission but before the second.
		stale, err := s.ListStaleAdmitted(ctx, again.UpdatedAt.Add(-time.Millisecond), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = s.ListStaleAdmitted(ctx, again.UpdatedAt.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 1)
	})

	t.Run("in flight and counts", func(t *testing.T) {
		s := newStore(t)
		alice, bob := uuid.New(), uuid.New()
		targets := []struct {
			owner uuid.UUID
			state domain.TaskState
		}{
			{alice, domain.TaskStatePending},
			{alice, domain.TaskStateAdmitted},
			{alice, domain.TaskStatePolling},
			{bob, domain.TaskStateSubmitted},
			{bob, domain.TaskStateCompleted},
		}
		for _, tc := range targets {
			task := NewTask(t, tc.owner, base)
			require.NoError(t, s.Create(ctx, task))
			if tc.state != domain.TaskStatePending {
				Advance(t, s, task.ID, tc.state)
			}
		}

		slots, err := s.ListInFlight(ctx)
		require.NoError(t, err)
		assert.Len(t, slots, 3)
		perOwner := map[uuid.UUID]int{}
		for _, slot := range slots {
			perOwner[slot.OwnerID]++
		}
		assert.Equal(t, 2, perOwner[alice])
		assert.Equal(t, 1, perOwner[bob])

		counts, err := s.CountByState(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.TaskStatePending])
		assert.Equal(t, 1, counts[domain.TaskStateCompleted])
		assert.Equal(t, 0, counts[domain.TaskStateFailed])

		aliceCounts, err := s.CountByState(ctx, &alice)
		require.NoError(t, err)
		assert.Equal(t, 1, aliceCounts[domain.TaskStatePolling])
		assert.Equal(t, 0, aliceCounts[domain.TaskStateSubmitted])
	})

	t.Run("purge terminal", func(t *testing.T) {
		s := newStore(t)
		done := NewTask(t, uuid.New(), base)
		open := NewTask(t, uuid.New(), base)
		require.NoError(t, s.Create(ctx, done))
		require.NoError(t, s.Create(ctx, open))
		completed := Advance(t, s, done.ID, domain.TaskStateCompleted)

		n, err := s.PurgeTerminal(ctx, completed.CompletedAt.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = s.PurgeTerminal(ctx, completed.CompletedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, done.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		_, err = s.Get(ctx, open.ID)
		assert.NoError(t, err)
	})
}
