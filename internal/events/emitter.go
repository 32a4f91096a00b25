package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter fans task events out to handlers registered in
// process. Delivery is synchronous on the caller's goroutine, so handlers
// must return quickly; slow work belongs behind a queue such as the engine
// cancel queue.
type InMemoryEventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

var _ EventEmitter = (*InMemoryEventEmitter)(nil)

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{logger: logger.With("component", "event_emitter")}
}

// RegisterHandler subscribes handler to every subsequent event.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	n := len(e.handlers)
	e.mu.Unlock()
	e.logger.Debug("event handler registered", "handler_count", n)
}

// EmitEvent delivers event to every handler in registration order. A failing
// or panicking handler does not stop delivery to the rest; all failures are
// joined into the returned error.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *TaskEvent) error {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.handlers...)
	e.mu.RUnlock()

	log := e.logger.With("event_id", event.ID, "event_type", event.Type, "task_id", event.TaskID)
	log.DebugContext(ctx, "emitting event", "handler_count", len(handlers))

	var errs []error
	for i, handler := range handlers {
		if err := deliver(ctx, handler, event); err != nil {
			log.ErrorContext(ctx, "event handler failed", "handler_index", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, handler EventHandler, event *TaskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}
