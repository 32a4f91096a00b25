package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelQueue(t *testing.T) {
	logger := setupTestLogger()

	t.Run("enqueue and consume", func(t *testing.T) {
		q := NewCancelQueue(2, logger)
		require.NoError(t, q.Enqueue("job-1"))
		require.NoError(t, q.Enqueue("job-2"))

		assert.Equal(t, "job-1", <-q.GetChannel())
		assert.Equal(t, "job-2", <-q.GetChannel())
	})

	t.Run("full queue rejects without blocking", func(t *testing.T) {
		q := NewCancelQueue(1, logger)
		require.NoError(t, q.Enqueue("job-1"))

		err := q.Enqueue("job-2")
		assert.ErrorIs(t, err, ErrQueueFull)
	})

	t.Run("closed queue rejects", func(t *testing.T) {
		q := NewCancelQueue(1, logger)
		q.Close()
		q.Close()

		assert.ErrorIs(t, q.Enqueue("job-1"), ErrQueueClosed)
		_, open := <-q.GetChannel()
		assert.False(t, open)
	})

	t.Run("non-positive size raised to one", func(t *testing.T) {
		q := NewCancelQueue(0, logger)
		assert.Equal(t, 1, cap(q.GetChannel()))
	})
}
