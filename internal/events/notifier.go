package events

import (
	"context"
	"log/slog"
)

// LogNotifier is the notification boundary toward users. It records every
// lifecycle event as a structured log line; a delivery channel (email,
// webhook) would replace it.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// HandleEvent implements EventHandler.
func (n *LogNotifier) HandleEvent(ctx context.Context, event *TaskEvent) error {
	attrs := []any{
		"event_id", event.ID,
		"task_id", event.TaskID,
		"owner_id", event.OwnerID,
		"state", event.State,
	}
	if event.ErrorCode != "" {
		attrs = append(attrs, "error_code", event.ErrorCode)
	}
	n.logger.InfoContext(ctx, "task "+string(event.State), attrs...)
	return nil
}

var _ EventHandler = (*LogNotifier)(nil)
