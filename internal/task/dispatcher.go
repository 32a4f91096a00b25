package task

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/store"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig tunes admission scanning and submission.
type DispatcherConfig struct {
	// WorkerCount is the number of concurrent submission workers
	WorkerCount int

	// ScanInterval is how often pending tasks are scanned for admission
	ScanInterval time.Duration

	// ScanBatchSize caps how many pending tasks one scan considers
	ScanBatchSize int

	// CallTimeout bounds a single engine submission
	CallTimeout time.Duration

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Dispatcher admits pending tasks under the concurrency ceilings and submits
// them to the engine. Admission visits owners round-robin and each owner's
// tasks oldest first.
type Dispatcher struct {
	lifecycle
	cfg     DispatcherConfig
	backoff *Backoff

	mu sync.Mutex
	// cursor is the owner served last; the next scan starts after it.
	cursor uuid.UUID
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, cfg DispatcherConfig) *Dispatcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	return &Dispatcher{
		lifecycle: newLifecycle(deps, "dispatcher"),
		cfg:       cfg,
		backoff:   NewBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
	}
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Run scans and submits until ctx is cancelled. Tasks admitted but not yet
// picked up by a worker stay admitted and are recovered later.
func (d *Dispatcher) Run(ctx context.Context) error {
	queue := make(chan *domain.Task, max(d.cfg.WorkerCount, d.limiter.Config().MaxGlobal))
	pool := NewWorkerPool[*domain.Task](queue, WorkerPoolConfig{WorkerCount: d.cfg.WorkerCount}, d.Process, d.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			admitted, err := d.Scan(gctx)
			if err != nil && gctx.Err() == nil {
				d.logger.ErrorContext(gctx, "admission scan failed", "error", err)
			}
			for _, task := range admitted {
				select {
				case queue <- task:
				case <-gctx.Done():
					return nil
				}
			}

			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// RunOnce performs one admission scan and submits every admitted task before
// returning. It reports how many tasks were admitted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	admitted, err := d.Scan(ctx)
	for _, task := range admitted {
		d.Process(ctx, task)
	}
	return len(admitted), err
}

// Scan admits as many due pending tasks as the ceilings allow and returns
// them in admission order.
func (d *Dispatcher) Scan(ctx context.Context) ([]*domain.Task, error) {
	now := d.now()
	// No owner can take more than MaxPerOwner slots in one scan, and owners
	// already at the ceiling cannot take any.
	candidates, err := d.store.ListDispatchable(ctx, store.DispatchQuery{
		Now:           now,
		PerOwner:      d.limiter.Config().MaxPerOwner,
		ExcludeOwners: d.limiter.SaturatedOwners(),
		Limit:         d.cfg.ScanBatchSize,
	})
	if err != nil {
		return nil, err
	}

	queues := make(map[uuid.UUID][]*domain.Task)
	owners := make([]uuid.UUID, 0)
	for _, task := range candidates {
		// Expired tasks are left to the timeout sweep.
		if task.IsPastDeadline(now) {
			continue
		}
		if _, seen := queues[task.OwnerID]; !seen {
			owners = append(owners, task.OwnerID)
		}
		queues[task.OwnerID] = append(queues[task.OwnerID], task)
	}
	if len(owners) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	owners = rotateAfter(owners, d.cursor)

	admitted := make([]*domain.Task, 0)
	for len(owners) > 0 {
		next := make([]uuid.UUID, 0, len(owners))
		for _, owner := range owners {
			queue := queues[owner]
			task := queue[0]
			queues[owner] = queue[1:]

			switch d.limiter.TryAdmit(owner, task.ID) {
			case AdmissionDeniedGlobal:
				return admitted, nil
			case AdmissionDeniedOwner:
				continue
			}

			if updated, ok := d.admit(ctx, task); ok {
				admitted = append(admitted, updated)
				d.cursor = owner
			}
			if len(queues[owner]) > 0 {
				next = append(next, owner)
			}
		}
		owners = next
	}
	return admitted, nil
}

func (d *Dispatcher) admit(ctx context.Context, task *domain.Task) (*domain.Task, bool) {
	updated, err := d.store.CompareAndTransition(ctx, task.ID, domain.TaskStatePending, domain.TaskStateAdmitted, domain.TaskUpdate{})
	if err != nil {
		d.limiter.Release(task.ID)
		if !store.IsConflict(err) {
			d.logger.ErrorContext(ctx, "failed to admit task", "task_id", task.ID, "error", err)
		}
		return nil, false
	}
	d.limiter.Confirm(task.ID)
	d.logger.DebugContext(ctx, "task admitted",
		"task_id", task.ID,
		"owner_id", task.OwnerID,
		"owner_in_flight", d.limiter.InFlight(task.OwnerID),
		"global_in_flight", d.limiter.GlobalInFlight())
	return updated, true
}

// Process makes one submission attempt for an admitted task and records the
// outcome. Every path out of admitted gives the slot back.
func (d *Dispatcher) Process(ctx context.Context, task *domain.Task) {
	// Outcomes are recorded even when shutdown interrupts the engine call.
	persistCtx := context.WithoutCancel(ctx)
	attempt := task.Attempt + 1
	log := d.logger.With("task_id", task.ID, "owner_id", task.OwnerID, "attempt", attempt)

	if task.IsPastDeadline(d.now()) {
		if _, _, err := d.expire(persistCtx, task.ID); err != nil {
			log.ErrorContext(ctx, "failed to expire task", "error", err)
		}
		return
	}

	callCtx, cancel := withTimeout(ctx, d.cfg.CallTimeout)
	ref, err := d.engine.Submit(callCtx, SubmitRequest{
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Kind:    task.Kind,
		Payload: task.Payload,
	})
	cancel()

	switch {
	case err == nil:
		d.recordSubmission(persistCtx, log, task, ref, attempt)

	case ctx.Err() != nil:
		// Interrupted by shutdown; not the task's fault, so no attempt is spent.
		log.InfoContext(ctx, "submission interrupted, requeueing")
		d.leaveAdmitted(persistCtx, log, task, domain.TaskStatePending, domain.TaskUpdate{
			NextAttemptAt: domain.TimePtr(d.now()),
		})

	case IsTransient(err) && attempt < task.MaxAttempts:
		delay := d.backoff.Delay(attempt)
		log.WarnContext(ctx, "transient submission failure, retrying",
			"error", err,
			"retry_in", delay.String())
		d.leaveAdmitted(persistCtx, log, task, domain.TaskStatePending, domain.TaskUpdate{
			Attempt:       domain.IntPtr(attempt),
			NextAttemptAt: domain.TimePtr(d.now().Add(delay)),
		})

	default:
		taskErr := &domain.TaskError{Code: domain.ErrorCodePermanent, Message: err.Error()}
		if IsTransient(err) {
			taskErr = &domain.TaskError{Code: domain.ErrorCodeAttemptsExhausted, Message: err.Error(), Retryable: true}
		}
		log.WarnContext(ctx, "submission failed", "error", err, "error_code", taskErr.Code)
		d.leaveAdmitted(persistCtx, log, task, domain.TaskStateFailed, domain.TaskUpdate{
			Attempt: domain.IntPtr(attempt),
			Error:   taskErr,
		})
	}
}

func (d *Dispatcher) recordSubmission(ctx context.Context, log *slog.Logger, task *domain.Task, ref string, attempt int) {
	updated, err := d.store.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, domain.TaskStateSubmitted, domain.TaskUpdate{
		ExternalRef: ref,
		Attempt:     domain.IntPtr(attempt),
	})
	switch {
	case err == nil:
		log.InfoContext(ctx, "task submitted", "external_ref", ref)
		d.settle(ctx, updated)

	case errors.Is(err, store.ErrExternalRefExists):
		log.ErrorContext(ctx, "engine returned a reference owned by another task", "external_ref", ref)
		d.leaveAdmitted(ctx, log, task, domain.TaskStateFailed, domain.TaskUpdate{
			Attempt: domain.IntPtr(attempt),
			Error: &domain.TaskError{
				Code:    domain.ErrorCodePermanent,
				Message: "engine returned a duplicate job reference",
			},
		})

	case store.IsConflict(err):
		// Cancelled, expired or requeued while the engine call was in flight.
		current := d.releaseIfIdle(ctx, task.ID)
		if current != nil && current.State.IsTerminal() {
			log.InfoContext(ctx, "task ended during submission, cancelling remote job",
				"state", current.State,
				"external_ref", ref)
			d.cancelRemote(ctx, ref, d.cfg.CallTimeout)
		}

	default:
		// The slot stays held; stale admission recovery requeues the task and
		// the idempotency key returns the same job.
		log.ErrorContext(ctx, "failed to record submission", "external_ref", ref, "error", err)
	}
}

// leaveAdmitted moves a task out of admitted and settles its slot.
func (d *Dispatcher) leaveAdmitted(ctx context.Context, log *slog.Logger, task *domain.Task, to domain.TaskState, upd domain.TaskUpdate) {
	updated, err := d.store.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, to, upd)
	switch {
	case err == nil:
		d.settle(ctx, updated)
	case store.IsConflict(err):
		d.releaseIfIdle(ctx, task.ID)
	default:
		log.ErrorContext(ctx, "failed to record submission outcome", "to", to, "error", err)
	}
}

// releaseIfIdle re-reads a task after a lost race and frees its slot unless
// it still counts toward quota.
func (d *Dispatcher) releaseIfIdle(ctx context.Context, id uuid.UUID) *domain.Task {
	current, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to re-read task", "task_id", id, "error", err)
		return nil
	}
	if !current.State.CountsTowardQuota() {
		d.limiter.Release(id)
	}
	return current
}

// rotateAfter orders owners by ID and starts the cycle after cursor.
func rotateAfter(owners []uuid.UUID, cursor uuid.UUID) []uuid.UUID {
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	start := sort.Search(len(owners), func(i int) bool { return owners[i].String() > cursor.String() })
	rotated := make([]uuid.UUID, 0, len(owners))
	rotated = append(rotated, owners[start:]...)
	return append(rotated, owners[:start]...)
}
