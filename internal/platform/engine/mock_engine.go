package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/task"
)

type mockJob struct {
	ref       string
	req       task.SubmitRequest
	polls     int
	cancelled bool
}

// MockEngine is an in-process engine. Jobs are keyed by task ID, so repeated
// submissions return the same reference. By default a job reports running
// until it has been polled CompleteAfter times and then succeeds.
//
// The Fn fields override behaviour per call when set.
type MockEngine struct {
	mu     sync.Mutex
	jobs   map[string]*mockJob
	byTask map[uuid.UUID]string

	// CompleteAfter is the number of polls after which a job succeeds.
	CompleteAfter int

	SubmitFn func(ctx context.Context, req task.SubmitRequest) (string, error)
	PollFn   func(ctx context.Context, ref string) (task.EngineStatus, error)
	CancelFn func(ctx context.Context, ref string) error

	SubmitCalls int
	PollCalls   int
	CancelCalls int
}

var _ task.Engine = (*MockEngine)(nil)

// NewMockEngine creates a MockEngine whose jobs succeed on the second poll.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		jobs:          make(map[string]*mockJob),
		byTask:        make(map[uuid.UUID]string),
		CompleteAfter: 2,
	}
}

// Submit implements task.Engine.
func (m *MockEngine) Submit(ctx context.Context, req task.SubmitRequest) (string, error) {
	m.mu.Lock()
	m.SubmitCalls++
	fn := m.SubmitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return "", task.NewTransientError(0, "submit", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.byTask[req.TaskID]; ok {
		return ref, nil
	}
	ref := "mock-" + uuid.NewString()
	m.jobs[ref] = &mockJob{ref: ref, req: req}
	m.byTask[req.TaskID] = ref
	return ref, nil
}

// PollStatus implements task.Engine.
func (m *MockEngine) PollStatus(ctx context.Context, ref string) (task.EngineStatus, error) {
	m.mu.Lock()
	m.PollCalls++
	fn := m.PollFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[ref]
	if !ok {
		return task.EngineStatus{State: task.EngineStateNotFound}, nil
	}
	if job.cancelled {
		return task.EngineStatus{State: task.EngineStateFailed, Error: "job cancelled"}, nil
	}
	job.polls++
	if job.polls < m.CompleteAfter {
		return task.EngineStatus{
			State:    task.EngineStateRunning,
			Progress: job.polls * 100 / max(m.CompleteAfter, 1),
		}, nil
	}
	result, _ := json.Marshal(map[string]any{
		"job_id":   ref,
		"kind":     job.req.Kind,
		"document": json.RawMessage(job.req.Payload),
		"pages":    len(job.req.Payload)%17 + 1,
	})
	return task.EngineStatus{State: task.EngineStateSucceeded, Progress: 100, Result: result}, nil
}

// Cancel implements task.Engine.
func (m *MockEngine) Cancel(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.CancelCalls++
	fn := m.CancelFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[ref]
	if !ok {
		return fmt.Errorf("unknown job %s", ref)
	}
	job.cancelled = true
	return nil
}

// Jobs returns how many distinct jobs were created.
func (m *MockEngine) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
