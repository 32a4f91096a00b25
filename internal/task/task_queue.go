package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common errors returned by CancelQueue
var (
	ErrQueueClosed = errors.New("cancel queue is closed")
	ErrQueueFull   = errors.New("cancel queue is full")
)

// CancelQueue buffers external references whose remote jobs should be
// cancelled. Enqueue never blocks; a full queue drops the request, which is
// acceptable because engine-side cancellation is best effort.
type CancelQueue struct {
	mu     sync.Mutex
	refs   chan string
	logger *slog.Logger
	closed bool
}

// NewCancelQueue creates a queue with the specified buffer size
func NewCancelQueue(size int, logger *slog.Logger) *CancelQueue {
	if size <= 0 {
		size = 1
	}
	return &CancelQueue{
		refs:   make(chan string, size),
		logger: logger,
	}
}

// Enqueue adds a reference to the queue.
func (q *CancelQueue) Enqueue(ref string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.refs <- ref:
		q.logger.Debug("engine cancellation enqueued",
			"external_ref", ref,
			"queue_len", len(q.refs),
			"queue_cap", cap(q.refs))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.refs))
	}
}

// Close closes the queue, preventing further submissions
func (q *CancelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.refs)
		q.logger.Info("cancel queue closed")
	}
}

// GetChannel returns a read-only channel for consuming references
func (q *CancelQueue) GetChannel() <-chan string {
	return q.refs
}
