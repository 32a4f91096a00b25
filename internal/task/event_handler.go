package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/events"
)

// EngineCancelHandler reacts to tasks that ended while the engine may still
// be working on them and queues a best-effort remote cancellation.
type EngineCancelHandler struct {
	queue  *CancelQueue
	logger *slog.Logger
}

// NewEngineCancelHandler creates a handler feeding queue.
func NewEngineCancelHandler(queue *CancelQueue, logger *slog.Logger) *EngineCancelHandler {
	return &EngineCancelHandler{
		queue:  queue,
		logger: logger.With("component", "engine_cancel_handler"),
	}
}

// HandleEvent queues cancellation for cancelled tasks and timed-out tasks
// that reached the engine. Queueing failures are logged, never returned:
// the local state is already final.
func (h *EngineCancelHandler) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.ExternalRef == "" {
		return nil
	}
	switch {
	case event.Type == events.TypeTaskCancelled:
	case event.Type == events.TypeTaskFailed && event.ErrorCode == domain.ErrorCodeTimeout:
	default:
		return nil
	}

	if err := h.queue.Enqueue(event.ExternalRef); err != nil {
		h.logger.WarnContext(ctx, "dropping engine cancellation",
			"task_id", event.TaskID,
			"external_ref", event.ExternalRef,
			"error", err)
		return nil
	}
	h.logger.DebugContext(ctx, "engine cancellation queued",
		"task_id", event.TaskID,
		"external_ref", event.ExternalRef)
	return nil
}

// Ensure EngineCancelHandler implements events.EventHandler
var _ events.EventHandler = (*EngineCancelHandler)(nil)
