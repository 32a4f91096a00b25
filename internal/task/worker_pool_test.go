package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkerPool(t *testing.T) {
	logger := setupTestLogger()
	items := make(chan int)
	handle := func(context.Context, int) {}

	pool := NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: 5}, handle, logger)
	assert.Equal(t, 5, pool.workerCount)

	// Invalid worker counts fall back to one worker.
	pool = NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: 0}, handle, logger)
	assert.Equal(t, 1, pool.workerCount)
	pool = NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: -5}, handle, logger)
	assert.Equal(t, 1, pool.workerCount)

	assert.Equal(t, 2, DefaultWorkerPoolConfig().WorkerCount)
}

func TestWorkerPool_ProcessesAllItemsUntilClosed(t *testing.T) {
	items := make(chan int, 100)
	var sum atomic.Int64
	pool := NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: 4}, func(_ context.Context, n int) {
		sum.Add(int64(n))
	}, setupTestLogger())

	for i := 1; i <= 100; i++ {
		items <- i
	}
	close(items)

	pool.Run(context.Background())
	assert.Equal(t, int64(5050), sum.Load())
}

func TestWorkerPool_RunsConcurrently(t *testing.T) {
	items := make(chan int, 3)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	pool := NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: 3}, func(context.Context, int) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
	}, setupTestLogger())

	for i := 0; i < 3; i++ {
		items <- i
	}
	close(items)

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxSeen == 3
	}, time.Second, 5*time.Millisecond)
	close(release)
	<-done
}

func TestWorkerPool_StopsOnContextCancel(t *testing.T) {
	items := make(chan int)
	pool := NewWorkerPool[int](items, WorkerPoolConfig{WorkerCount: 2}, func(context.Context, int) {}, setupTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker pool did not stop after cancellation")
	}
}
