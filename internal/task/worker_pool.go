package task

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool runs a fixed number of goroutines that each take items from a
// channel and hand them to a handler. Workers stop when the context passed to
// Run is cancelled or the channel is closed.
type WorkerPool[T any] struct {
	// items provides the work to be processed
	items <-chan T

	// workerCount is the number of concurrent workers to start
	workerCount int

	handle func(ctx context.Context, item T)

	// logger for structured logging
	logger *slog.Logger
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 2,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool[T any](
	items <-chan T,
	config WorkerPoolConfig,
	handle func(ctx context.Context, item T),
	logger *slog.Logger,
) *WorkerPool[T] {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	return &WorkerPool[T]{
		items:       items,
		workerCount: workerCount,
		handle:      handle,
		logger:      logger,
	}
}

// Run starts the workers and blocks until all of them have exited.
func (p *WorkerPool[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool[T]) worker(ctx context.Context, id int) {
	p.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return

		case item, ok := <-p.items:
			if !ok {
				p.logger.Debug("work channel closed, stopping worker", "worker_id", id)
				return
			}
			p.handle(ctx, item)
		}
	}
}
