package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/events"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedEngine is an Engine whose behaviour each test scripts through
// function fields. Unset fields fall back to a cooperative engine.
type scriptedEngine struct {
	mu        sync.Mutex
	submits   map[uuid.UUID]int
	polls     int
	cancelled []string

	SubmitFn func(ctx context.Context, req SubmitRequest) (string, error)
	PollFn   func(ctx context.Context, ref string) (EngineStatus, error)
	CancelFn func(ctx context.Context, ref string) error
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{submits: make(map[uuid.UUID]int)}
}

func (e *scriptedEngine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	e.mu.Lock()
	e.submits[req.TaskID]++
	fn := e.SubmitFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return "job-" + req.TaskID.String(), nil
}

func (e *scriptedEngine) PollStatus(ctx context.Context, ref string) (EngineStatus, error) {
	e.mu.Lock()
	e.polls++
	fn := e.PollFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}
	return EngineStatus{State: EngineStateRunning}, nil
}

func (e *scriptedEngine) Cancel(ctx context.Context, ref string) error {
	e.mu.Lock()
	e.cancelled = append(e.cancelled, ref)
	fn := e.CancelFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}
	return nil
}

func (e *scriptedEngine) submitCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits[id]
}

func (e *scriptedEngine) cancelledRefs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

// recordedEvents collects emitted events.
type recordedEvents struct {
	mu     sync.Mutex
	events []*events.TaskEvent
}

func (r *recordedEvents) EmitEvent(_ context.Context, e *events.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordedEvents) types(taskID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.TaskID == taskID {
			out = append(out, e.Type)
		}
	}
	return out
}

// harness wires a dispatcher and reconciler over an in-memory store.
type harness struct {
	clock      *fakeClock
	store      *MemoryTaskStore
	limiter    *Limiter
	engine     *scriptedEngine
	events     *recordedEvents
	dispatcher *Dispatcher
	reconciler *Reconciler
}

type harnessOption func(*LimiterConfig, *DispatcherConfig, *ReconcilerConfig)

func withLimits(perOwner, global int) harnessOption {
	return func(l *LimiterConfig, _ *DispatcherConfig, _ *ReconcilerConfig) {
		l.MaxPerOwner = perOwner
		l.MaxGlobal = global
	}
}

func withScanBatch(n int) harnessOption {
	return func(_ *LimiterConfig, d *DispatcherConfig, _ *ReconcilerConfig) {
		d.ScanBatchSize = n
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	limits := LimiterConfig{MaxPerOwner: 2, MaxGlobal: 8}
	dcfg := DispatcherConfig{
		WorkerCount:    2,
		ScanInterval:   10 * time.Millisecond,
		ScanBatchSize:  100,
		CallTimeout:    time.Second,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  time.Hour,
	}
	rcfg := ReconcilerConfig{
		PollInterval:          10 * time.Second,
		CallTimeout:           time.Second,
		Workers:               4,
		BatchSize:             100,
		LedgerRebuildInterval: time.Minute,
		StuckAdmittedAge:      10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&limits, &dcfg, &rcfg)
	}

	h := &harness{
		clock:   newFakeClock(),
		store:   NewMemoryTaskStore(),
		limiter: NewLimiter(limits),
		engine:  newScriptedEngine(),
		events:  &recordedEvents{},
	}
	h.store.Now = h.clock.Now
	deps := Deps{
		Store:   h.store,
		Limiter: h.limiter,
		Engine:  h.engine,
		Emitter: h.events,
		Logger:  setupTestLogger(),
	}
	h.dispatcher = NewDispatcher(deps, dcfg)
	h.dispatcher.SetClock(h.clock.Now)
	h.reconciler = NewReconciler(deps, rcfg)
	h.reconciler.SetClock(h.clock.Now)
	return h
}

// submit creates a pending task for owner and advances the clock a little so
// creation order is unambiguous.
func (h *harness) submit(t *testing.T, owner uuid.UUID, maxAttempts int) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(owner, domain.TaskKindDocumentParse,
		json.RawMessage(`{"document_id":"doc"}`), maxAttempts, 30*time.Minute, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.Create(context.Background(), task))
	h.clock.Advance(time.Millisecond)
	return task
}

func (h *harness) get(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// inFlight counts tasks in quota states per owner, straight from the store.
func (h *harness) inFlight(t *testing.T) (map[uuid.UUID]int, int) {
	t.Helper()
	slots, err := h.store.ListInFlight(context.Background())
	require.NoError(t, err)
	perOwner := make(map[uuid.UUID]int)
	for _, s := range slots {
		perOwner[s.OwnerID]++
	}
	return perOwner, len(slots)
}
