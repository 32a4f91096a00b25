package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler counts the events it receives.
type recordingHandler struct {
	last  *TaskEvent
	count int
	err   error
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *TaskEvent) error {
	h.last = event
	h.count++
	return h.err
}

func TestInMemoryEventEmitter(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		assert.NoError(t, emitter.EmitEvent(context.Background(), NewTaskEvent(TypeTaskFailed, failedTask(t))))
	})

	t.Run("all handlers receive the event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		h1, h2 := &recordingHandler{}, &recordingHandler{}
		emitter.RegisterHandler(h1)
		emitter.RegisterHandler(h2)

		event := NewTaskEvent(TypeTaskFailed, failedTask(t))
		require.NoError(t, emitter.EmitEvent(context.Background(), event))

		assert.Equal(t, 1, h1.count)
		assert.Equal(t, 1, h2.count)
		assert.Same(t, event, h1.last)
		assert.Same(t, event, h2.last)
	})

	t.Run("handler errors are joined, later handlers still run", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		first, second := errors.New("first"), errors.New("second")
		h1 := &recordingHandler{err: first}
		h2 := &recordingHandler{err: second}
		h3 := &recordingHandler{}
		emitter.RegisterHandler(h1)
		emitter.RegisterHandler(h2)
		emitter.RegisterHandler(h3)

		err := emitter.EmitEvent(context.Background(), NewTaskEvent(TypeTaskFailed, failedTask(t)))
		assert.ErrorIs(t, err, first)
		assert.ErrorIs(t, err, second)
		assert.Equal(t, 1, h3.count)
	})

	t.Run("panicking handler is contained", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		after := &recordingHandler{}
		emitter.RegisterHandler(HandlerFunc(func(context.Context, *TaskEvent) error {
			panic("boom")
		}))
		emitter.RegisterHandler(after)

		err := emitter.EmitEvent(context.Background(), NewTaskEvent(TypeTaskFailed, failedTask(t)))
		assert.ErrorContains(t, err, "event handler panicked: boom")
		assert.Equal(t, 1, after.count)
	})
}

func TestLogNotifier(t *testing.T) {
	capture := logger.NewCaptureHandler()
	notifier := NewLogNotifier(slog.New(capture))

	require.NoError(t, notifier.HandleEvent(context.Background(), NewTaskEvent(TypeTaskFailed, failedTask(t))))

	assert.True(t, capture.HasMessage("task failed"))
}
