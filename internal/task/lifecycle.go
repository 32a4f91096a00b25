package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/events"
	"github.com/phrazzld/parsedispatch/internal/store"
)

// maxConflictRetries bounds the re-read loop after a lost race.
const maxConflictRetries = 3

// Deps are the collaborators shared by the dispatcher and the reconciler.
type Deps struct {
	Store   store.TaskStore
	Limiter *Limiter
	Engine  Engine
	Emitter events.EventEmitter
	Logger  *slog.Logger
}

// lifecycle holds the transition helpers both loops need.
type lifecycle struct {
	store   store.TaskStore
	limiter *Limiter
	engine  Engine
	emitter events.EventEmitter
	logger  *slog.Logger
	now     func() time.Time
}

func newLifecycle(deps Deps, component string) lifecycle {
	if deps.Store == nil || deps.Limiter == nil || deps.Engine == nil {
		panic("task: store, limiter and engine are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return lifecycle{
		store:   deps.Store,
		limiter: deps.Limiter,
		engine:  deps.Engine,
		emitter: emitter,
		logger:  log.With("component", component),
		now:     time.Now,
	}
}

// settle releases the task's slot once it no longer counts toward quota and
// announces the state it reached.
func (l *lifecycle) settle(ctx context.Context, task *domain.Task) {
	if !task.State.CountsTowardQuota() {
		l.limiter.Release(task.ID)
	}
	eventType := events.TypeForState(task.State)
	if eventType == "" {
		return
	}
	if err := l.emitter.EmitEvent(ctx, events.NewTaskEvent(eventType, task)); err != nil {
		l.logger.WarnContext(ctx, "failed to emit task event",
			"task_id", task.ID,
			"event_type", eventType,
			"error", err)
	}
}

// decideFn inspects the current task and returns the transition to attempt.
// ok=false means nothing should be done.
type decideFn func(current *domain.Task) (to domain.TaskState, upd domain.TaskUpdate, ok bool)

// transition re-reads the task and applies decide until the write lands, the
// decision becomes a no-op, or the retries run out. It returns the task as
// last seen and whether a transition was applied.
func (l *lifecycle) transition(ctx context.Context, id uuid.UUID, decide decideFn) (*domain.Task, bool, error) {
	var current *domain.Task
	for i := 0; i < maxConflictRetries; i++ {
		var err error
		current, err = l.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		to, upd, ok := decide(current)
		if !ok {
			return current, false, nil
		}
		updated, err := l.store.CompareAndTransition(ctx, id, current.State, to, upd)
		if err == nil {
			l.settle(ctx, updated)
			return updated, true, nil
		}
		if !store.IsConflict(err) {
			return current, false, err
		}
	}
	return current, false, fmt.Errorf("%w: gave up after %d attempts", store.ErrConflict, maxConflictRetries)
}

// expire fails a task whose deadline has passed, from whatever non-terminal
// state it is in.
func (l *lifecycle) expire(ctx context.Context, id uuid.UUID) (*domain.Task, bool, error) {
	task, applied, err := l.transition(ctx, id, func(current *domain.Task) (domain.TaskState, domain.TaskUpdate, bool) {
		if current.State.IsTerminal() || !current.IsPastDeadline(l.now()) {
			return "", domain.TaskUpdate{}, false
		}
		return domain.TaskStateFailed, domain.TaskUpdate{Error: &domain.TaskError{
			Code:    domain.ErrorCodeTimeout,
			Message: fmt.Sprintf("deadline %s exceeded", current.Deadline.Format(time.RFC3339)),
		}}, true
	})
	if applied {
		l.logger.WarnContext(ctx, "task timed out",
			"task_id", task.ID,
			"owner_id", task.OwnerID,
			"attempt", task.Attempt)
	}
	return task, applied, err
}

// cancelRemote asks the engine to drop a job. Failures are logged only.
func (l *lifecycle) cancelRemote(ctx context.Context, ref string, timeout time.Duration) {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := l.engine.Cancel(callCtx, ref); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.WarnContext(ctx, "engine cancellation failed",
			"external_ref", ref,
			"error", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
