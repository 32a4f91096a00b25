package task

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/store"
	"golang.org/x/sync/errgroup"
)

// ReconcilerConfig tunes status polling and the periodic sweeps.
type ReconcilerConfig struct {
	// PollInterval is the minimum time between two polls of the same task
	PollInterval time.Duration

	// CallTimeout bounds a single engine call
	CallTimeout time.Duration

	// Workers bounds concurrent status polls
	Workers int

	// BatchSize caps how many tasks one pass handles
	BatchSize int

	// LedgerRebuildInterval is how often the limiter is resynchronised from
	// the store
	LedgerRebuildInterval time.Duration

	// StuckAdmittedAge is how long a task may stay admitted before it is
	// assumed orphaned and requeued
	StuckAdmittedAge time.Duration
}

// Reconciler polls submitted jobs, applies engine results, and enforces
// deadlines. It also keeps the limiter in line with the store.
type Reconciler struct {
	lifecycle
	cfg ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps Deps, cfg ReconcilerConfig) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LedgerRebuildInterval <= 0 {
		cfg.LedgerRebuildInterval = time.Minute
	}
	return &Reconciler{
		lifecycle: newLifecycle(deps, "reconciler"),
		cfg:       cfg,
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run performs reconciliation passes until ctx is cancelled. Each pass runs
// the timeout sweep before polling so that an expired task is failed before
// a late success can be applied.
func (r *Reconciler) Run(ctx context.Context) error {
	tick := r.cfg.PollInterval / 2
	if tick <= 0 {
		tick = r.cfg.PollInterval
	}
	passTicker := time.NewTicker(tick)
	defer passTicker.Stop()
	ledgerTicker := time.NewTicker(r.cfg.LedgerRebuildInterval)
	defer ledgerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-passTicker.C:
			if err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "reconciliation pass failed", "error", err)
			}

		case <-ledgerTicker.C:
			if err := r.RebuildLedger(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "ledger rebuild failed", "error", err)
			}
			if r.cfg.StuckAdmittedAge > 0 {
				if _, err := r.RequeueStaleAdmitted(ctx, r.now().Add(-r.cfg.StuckAdmittedAge)); err != nil && ctx.Err() == nil {
					r.logger.ErrorContext(ctx, "stale admission recovery failed", "error", err)
				}
			}
		}
	}
}

// ReconcileOnce runs one timeout sweep followed by one poll pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	_, sweepErr := r.SweepTimeouts(ctx)
	pollErr := r.PollOnce(ctx)
	return errors.Join(sweepErr, pollErr)
}

// SweepTimeouts fails every non-terminal task whose deadline has passed and
// reports how many it failed.
func (r *Reconciler) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := r.store.ListPastDeadline(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, task := range expired {
		if _, applied, err := r.expire(ctx, task.ID); err != nil {
			r.logger.ErrorContext(ctx, "failed to expire task", "task_id", task.ID, "error", err)
		} else if applied {
			failed++
		}
	}
	return failed, nil
}

// PollOnce polls every submitted task whose last check is older than the
// poll interval, with bounded concurrency.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	due, err := r.store.ListDueForPolling(ctx, r.now().Add(-r.cfg.PollInterval), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, task := range due {
		g.Go(func() error {
			r.poll(gctx, task)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) poll(ctx context.Context, task *domain.Task) {
	log := r.logger.With("task_id", task.ID, "external_ref", task.ExternalRef)

	if task.IsPastDeadline(r.now()) {
		if _, _, err := r.expire(ctx, task.ID); err != nil {
			log.ErrorContext(ctx, "failed to expire task", "error", err)
		}
		return
	}

	if task.State == domain.TaskStateSubmitted {
		updated, err := r.store.CompareAndTransition(ctx, task.ID, domain.TaskStateSubmitted, domain.TaskStatePolling, domain.TaskUpdate{})
		if err != nil {
			if !store.IsConflict(err) {
				log.ErrorContext(ctx, "failed to start polling", "error", err)
			}
			return
		}
		task = updated
	}

	callCtx, cancel := withTimeout(ctx, r.cfg.CallTimeout)
	status, err := r.engine.PollStatus(callCtx, task.ExternalRef)
	cancel()
	if err != nil {
		log.WarnContext(ctx, "status poll failed", "error", err, "transient", IsTransient(err))
		// Record the check so the task is not polled again before its turn.
		if _, err := r.store.CompareAndTransition(ctx, task.ID, domain.TaskStatePolling, domain.TaskStatePolling, domain.TaskUpdate{}); err != nil && !store.IsConflict(err) {
			log.ErrorContext(ctx, "failed to record poll", "error", err)
		}
		return
	}

	if _, err := r.apply(ctx, task, status); err != nil {
		log.ErrorContext(ctx, "failed to apply engine status", "state", status.State, "error", err)
	}
}

// HandleNotification applies a status pushed by the engine for the job with
// the given reference. Notifications for tasks that already finished are
// ignored.
func (r *Reconciler) HandleNotification(ctx context.Context, externalRef string, status EngineStatus) (*domain.Task, error) {
	task, err := r.store.GetByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, task, status)
}

// apply moves a task according to an engine status, re-reading on lost races.
func (r *Reconciler) apply(ctx context.Context, task *domain.Task, status EngineStatus) (*domain.Task, error) {
	log := r.logger.With("task_id", task.ID, "external_ref", task.ExternalRef, "engine_state", status.State)

	for i := 0; i < maxConflictRetries; i++ {
		if task.State.IsTerminal() {
			log.DebugContext(ctx, "ignoring engine status for finished task", "state", task.State)
			return task, nil
		}
		if task.IsPastDeadline(r.now()) {
			if status.State == EngineStateSucceeded {
				log.WarnContext(ctx, "discarding success reported after deadline")
			}
			updated, _, err := r.expire(ctx, task.ID)
			return updated, err
		}

		to, upd := r.decide(task, status)
		if task.State == domain.TaskStateSubmitted && to == domain.TaskStateCompleted {
			// completed is only reachable through polling.
			to, upd = domain.TaskStatePolling, domain.TaskUpdate{}
		}

		updated, err := r.store.CompareAndTransition(ctx, task.ID, task.State, to, upd)
		switch {
		case err == nil && updated.State == domain.TaskStatePolling && status.State == EngineStateSucceeded:
			task = updated
			continue
		case err == nil:
			if updated.State.IsTerminal() {
				log.InfoContext(ctx, "task finished", "state", updated.State)
			}
			r.settle(ctx, updated)
			return updated, nil
		case store.IsConflict(err):
			task, err = r.store.Get(ctx, task.ID)
			if err != nil {
				return nil, err
			}
		default:
			return task, err
		}
	}
	return task, store.ErrConflict
}

func (r *Reconciler) decide(task *domain.Task, status EngineStatus) (domain.TaskState, domain.TaskUpdate) {
	switch status.State {
	case EngineStateSucceeded:
		result := status.Result
		if len(result) == 0 {
			result = []byte(`{}`)
		}
		return domain.TaskStateCompleted, domain.TaskUpdate{Result: result}
	case EngineStateFailed:
		msg := status.Error
		if msg == "" {
			msg = "engine reported failure"
		}
		return domain.TaskStateFailed, domain.TaskUpdate{Error: &domain.TaskError{
			Code:    domain.ErrorCodeEngineFailed,
			Message: msg,
		}}
	case EngineStateNotFound:
		return domain.TaskStateFailed, domain.TaskUpdate{Error: &domain.TaskError{
			Code:      domain.ErrorCodeEngineJobLost,
			Message:   "engine has no record of job " + task.ExternalRef,
			Retryable: true,
		}}
	default:
		var progress *int
		if status.Progress > 0 && status.Progress <= 100 && status.Progress >= task.Progress {
			progress = domain.IntPtr(status.Progress)
		}
		return domain.TaskStatePolling, domain.TaskUpdate{Progress: progress}
	}
}

// CancelRemote asks the engine to drop the job with the given reference.
// Failures are logged and otherwise ignored.
func (r *Reconciler) CancelRemote(ctx context.Context, externalRef string) {
	r.cancelRemote(ctx, externalRef, r.cfg.CallTimeout)
}

// RebuildLedger resynchronises the limiter with the tasks the store holds in
// quota-counted states.
func (r *Reconciler) RebuildLedger(ctx context.Context) error {
	mark := r.limiter.Mark()
	slots, err := r.store.ListInFlight(ctx)
	if err != nil {
		return err
	}
	if drift := r.limiter.Rebuild(slots, mark); drift > 0 {
		r.logger.WarnContext(ctx, "concurrency ledger drift repaired",
			"drift", drift,
			"in_flight", len(slots))
	}
	return nil
}

// RequeueStaleAdmitted returns tasks whose latest admission happened before
// cutoff to pending. Such tasks were admitted by a dispatcher that stopped
// before submitting them; the idempotency key keeps the resubmission from
// creating a second job.
func (r *Reconciler) RequeueStaleAdmitted(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.store.ListStaleAdmitted(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, task := range stale {
		updated, err := r.store.CompareAndTransition(ctx, task.ID, domain.TaskStateAdmitted, domain.TaskStatePending, domain.TaskUpdate{
			NextAttemptAt: domain.TimePtr(r.now()),
		})
		if err != nil {
			if !store.IsConflict(err) {
				r.logger.ErrorContext(ctx, "failed to requeue stale task", "task_id", task.ID, "error", err)
			}
			continue
		}
		r.settle(ctx, updated)
		requeued++
		r.logger.InfoContext(ctx, "requeued stale admitted task",
			"task_id", task.ID,
			"admitted_since", task.UpdatedAt)
	}
	return requeued, nil
}
