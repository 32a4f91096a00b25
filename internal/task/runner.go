package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskRunner owns the background side of the system: the dispatcher, the
// reconciler, and the drain that forwards best-effort cancellations to the
// engine.
type TaskRunner struct {
	dispatcher *Dispatcher
	reconciler *Reconciler
	cancels    *CancelQueue
	logger     *slog.Logger

	mu     sync.Mutex
	stop   context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(dispatcher *Dispatcher, reconciler *Reconciler, cancels *CancelQueue, logger *slog.Logger) *TaskRunner {
	return &TaskRunner{
		dispatcher: dispatcher,
		reconciler: reconciler,
		cancels:    cancels,
		logger:     logger.With("component", "task_runner"),
	}
}

// Recover repairs state left behind by a previous process: tasks admitted
// but never submitted go back to pending and the ledger is rebuilt from the
// store.
func (r *TaskRunner) Recover(ctx context.Context) error {
	if err := r.reconciler.RebuildLedger(ctx); err != nil {
		return fmt.Errorf("failed to rebuild ledger: %w", err)
	}
	requeued, err := r.reconciler.RequeueStaleAdmitted(ctx, r.reconciler.now())
	if err != nil {
		return fmt.Errorf("failed to requeue admitted tasks: %w", err)
	}

	slots := r.reconciler.limiter.GlobalInFlight()
	r.logger.InfoContext(ctx, "recovered unfinished tasks",
		"requeued_admitted", requeued,
		"in_flight", slots)
	return nil
}

// Start recovers and launches all loops. They run until Stop is called or
// ctx is cancelled.
func (r *TaskRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return fmt.Errorf("task runner already started")
	}

	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.dispatcher.Run(gctx) })
	g.Go(func() error { return r.reconciler.Run(gctx) })
	if r.cancels != nil {
		drain := NewWorkerPool[string](r.cancels.GetChannel(), WorkerPoolConfig{WorkerCount: 1},
			r.reconciler.CancelRemote, r.logger)
		g.Go(func() error {
			drain.Run(gctx)
			return nil
		})
	}

	r.stop = cancel
	r.group = g
	r.logger.InfoContext(ctx, "task runner started")
	return nil
}

// Stop cancels every loop and waits for in-flight work to finish.
func (r *TaskRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == nil || r.closed {
		return nil
	}
	r.closed = true
	r.stop()
	err := r.group.Wait()
	if r.cancels != nil {
		r.cancels.Close()
	}
	r.logger.Info("task runner stopped")
	return err
}
