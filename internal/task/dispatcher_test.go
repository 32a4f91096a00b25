package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SubmitsAdmittedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)

	n, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStateSubmitted, got.State)
	assert.Equal(t, "job-"+task.ID.String(), got.ExternalRef)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.AdmittedAt)
	assert.NotNil(t, got.SubmittedAt)
	assert.True(t, h.limiter.Holds(task.ID))
	assert.Equal(t, []string{events.TypeTaskSubmitted}, h.events.types(task.ID))
}

func TestDispatcher_PerOwnerCeiling(t *testing.T) {
	t.Parallel()

	// maxPerUser=2, maxGlobal=3: the third task of one owner waits until one
	// of the first two finishes.
	h := newHarness(t, withLimits(2, 3))
	owner := uuid.New()
	first := h.submit(t, owner, 3)
	second := h.submit(t, owner, 3)
	third := h.submit(t, owner, 3)
	ctx := context.Background()

	_, err := h.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSubmitted, h.get(t, first.ID).State)
	assert.Equal(t, domain.TaskStateSubmitted, h.get(t, second.ID).State)
	assert.Equal(t, domain.TaskStatePending, h.get(t, third.ID).State)

	n, err := h.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	perOwner, _ := h.inFlight(t)
	assert.Equal(t, 2, perOwner[owner])
	assert.Equal(t, 2, h.limiter.InFlight(owner))

	h.engine.PollFn = func(_ context.Context, ref string) (EngineStatus, error) {
		if ref == "job-"+first.ID.String() {
			return EngineStatus{State: EngineStateSucceeded, Result: json.RawMessage(`{"pages":3}`)}, nil
		}
		return EngineStatus{State: EngineStateRunning}, nil
	}
	h.clock.Advance(11 * time.Second)
	require.NoError(t, h.reconciler.PollOnce(ctx))
	assert.Equal(t, domain.TaskStateCompleted, h.get(t, first.ID).State)

	n, err = h.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TaskStateSubmitted, h.get(t, third.ID).State)
	perOwner, _ = h.inFlight(t)
	assert.Equal(t, 2, perOwner[owner])
}

func TestDispatcher_GlobalCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withLimits(2, 3))
	a, b := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		h.submit(t, a, 3)
		h.submit(t, b, 3)
	}

	n, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	perOwner, global := h.inFlight(t)
	assert.Equal(t, 3, global)
	assert.LessOrEqual(t, perOwner[a], 2)
	assert.LessOrEqual(t, perOwner[b], 2)
	assert.Equal(t, 3, h.limiter.GlobalInFlight())
}

func TestDispatcher_RoundRobinAcrossOwners(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withLimits(1, 1))
	owners := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	// The first owner has a deep backlog created before anyone else's.
	for i := 0; i < 4; i++ {
		h.submit(t, owners[0], 1)
	}
	h.submit(t, owners[1], 1)
	h.submit(t, owners[2], 1)

	var mu sync.Mutex
	var served []uuid.UUID
	h.engine.SubmitFn = func(_ context.Context, req SubmitRequest) (string, error) {
		mu.Lock()
		served = append(served, req.OwnerID)
		mu.Unlock()
		return "", NewPermanentError(422, "unsupported format", nil)
	}

	for i := 0; i < 3; i++ {
		n, err := h.dispatcher.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.ElementsMatch(t, owners, served)
}

func TestDispatcher_BusyOwnerDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	// The backlog of one owner is larger than a scan batch. The newer task of
	// a second owner must still be picked up.
	h := newHarness(t, withLimits(2, 8), withScanBatch(10))
	busy, quiet := uuid.New(), uuid.New()
	for i := 0; i < 20; i++ {
		h.submit(t, busy, 3)
	}
	late := h.submit(t, quiet, 3)
	ctx := context.Background()

	_, err := h.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSubmitted, h.get(t, late.ID).State)

	for i := 0; i < 4; i++ {
		_, err := h.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
	}
	perOwner, global := h.inFlight(t)
	assert.Equal(t, 2, perOwner[busy])
	assert.Equal(t, 1, perOwner[quiet])
	assert.Equal(t, 3, global)
}

func TestDispatcher_FIFOWithinOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withLimits(1, 1))
	owner := uuid.New()
	var created []uuid.UUID
	for i := 0; i < 4; i++ {
		created = append(created, h.submit(t, owner, 1).ID)
	}

	var order []uuid.UUID
	h.engine.SubmitFn = func(_ context.Context, req SubmitRequest) (string, error) {
		order = append(order, req.TaskID)
		return "", NewPermanentError(400, "bad input", nil)
	}
	for i := 0; i < 4; i++ {
		_, err := h.dispatcher.RunOnce(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, created, order)
}

func TestDispatcher_TransientFailuresExhaustAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	h.engine.SubmitFn = func(context.Context, SubmitRequest) (string, error) {
		return "", NewTransientError(503, "engine overloaded", nil)
	}
	ctx := context.Background()

	var delays []time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		now := h.clock.Now()
		n, err := h.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got := h.get(t, task.ID)
		require.Equal(t, domain.TaskStatePending, got.State)
		assert.Equal(t, attempt, got.Attempt)
		assert.False(t, h.limiter.Holds(task.ID))
		delays = append(delays, got.NextAttemptAt.Sub(now))

		// Not due yet.
		n, err = h.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		h.clock.Advance(got.NextAttemptAt.Sub(now))
	}

	_, err := h.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	assert.Equal(t, 3, got.Attempt)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorCodeAttemptsExhausted, got.Error.Code)
	assert.Equal(t, 3, h.engine.submitCount(task.ID))
	assert.Greater(t, delays[1], delays[0])
	assert.Equal(t, 0, h.limiter.GlobalInFlight())
}

func TestDispatcher_PermanentFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	h.engine.SubmitFn = func(context.Context, SubmitRequest) (string, error) {
		return "", NewPermanentError(415, "unsupported format", nil)
	}

	_, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorCodePermanent, got.Error.Code)
	assert.False(t, got.Error.Retryable)
	assert.Empty(t, got.ExternalRef)
	assert.False(t, h.limiter.Holds(task.ID))
	assert.Equal(t, []string{events.TypeTaskFailed}, h.events.types(task.ID))
}

func TestDispatcher_CancelledDuringSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	h.engine.SubmitFn = func(ctx context.Context, req SubmitRequest) (string, error) {
		_, err := h.store.CompareAndTransition(ctx, req.TaskID, domain.TaskStateAdmitted, domain.TaskStateCancelled, domain.TaskUpdate{})
		require.NoError(t, err)
		return "job-late", nil
	}

	_, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStateCancelled, got.State)
	assert.Empty(t, got.ExternalRef)
	assert.Equal(t, []string{"job-late"}, h.engine.cancelledRefs())
	assert.False(t, h.limiter.Holds(task.ID))
}

func TestDispatcher_ShutdownDoesNotSpendAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	ctx, cancel := context.WithCancel(context.Background())

	admitted, err := h.dispatcher.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	cancel()
	h.engine.SubmitFn = func(ctx context.Context, _ SubmitRequest) (string, error) {
		return "", ctx.Err()
	}
	h.dispatcher.Process(ctx, admitted[0])

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStatePending, got.State)
	assert.Zero(t, got.Attempt)
	assert.False(t, h.limiter.Holds(task.ID))
}

func TestDispatcher_ExpiredBeforeSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	admitted, err := h.dispatcher.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, admitted, 1)

	h.clock.Advance(31 * time.Minute)
	h.dispatcher.Process(context.Background(), admitted[0])

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorCodeTimeout, got.Error.Code)
	assert.Zero(t, h.engine.submitCount(task.ID))
	assert.False(t, h.limiter.Holds(task.ID))
}

func TestDispatcher_ScanSkipsExpiredTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.submit(t, uuid.New(), 3)
	h.clock.Advance(time.Hour)

	admitted, err := h.dispatcher.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, admitted)
	assert.Equal(t, 0, h.limiter.GlobalInFlight())
}

func TestDispatcher_UnclassifiedErrorIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)
	h.engine.SubmitFn = func(context.Context, SubmitRequest) (string, error) {
		return "", errors.New("connection reset by peer")
	}

	_, err := h.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	got := h.get(t, task.ID)
	assert.Equal(t, domain.TaskStatePending, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.NextAttemptAt.After(h.clock.Now()))
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.submit(t, uuid.New(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.dispatcher.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return h.get(t, task.ID).State == domain.TaskStateSubmitted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

func TestRotateAfter(t *testing.T) {
	t.Parallel()

	a := uuid.MustParse("10000000-0000-0000-0000-000000000000")
	b := uuid.MustParse("20000000-0000-0000-0000-000000000000")
	c := uuid.MustParse("30000000-0000-0000-0000-000000000000")

	assert.Equal(t, []uuid.UUID{a, b, c}, rotateAfter([]uuid.UUID{c, a, b}, uuid.Nil))
	assert.Equal(t, []uuid.UUID{b, c, a}, rotateAfter([]uuid.UUID{c, a, b}, a))
	assert.Equal(t, []uuid.UUID{a, b, c}, rotateAfter([]uuid.UUID{c, a, b}, c))
}
