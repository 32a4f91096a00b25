package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/parsedispatch/internal/api"
	"github.com/phrazzld/parsedispatch/internal/config"
	"github.com/phrazzld/parsedispatch/internal/events"
	"github.com/phrazzld/parsedispatch/internal/platform/engine"
	"github.com/phrazzld/parsedispatch/internal/service"
	"github.com/phrazzld/parsedispatch/internal/service/auth"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/phrazzld/parsedispatch/internal/task"
)

// cancelQueueSize bounds pending best-effort engine cancellations.
const cancelQueueSize = 256

// application holds every wired component of a running process.
type application struct {
	config *config.Config
	logger *slog.Logger

	store      store.TaskStore
	closeStore func() error
	engine     task.Engine
	limiter    *task.Limiter
	cancels    *task.CancelQueue

	dispatcher *task.Dispatcher
	reconciler *task.Reconciler
	runner     *task.TaskRunner

	tasks service.TaskService
	jwt   auth.JWTService
}

// newApplication opens the store and wires the engine, the loops and the
// task service. The caller must call close.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	taskStore, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app, err := wireApplication(cfg, logger, taskStore)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	app.closeStore = closeStore
	return app, nil
}

// wireApplication builds every component on top of an already open store.
func wireApplication(cfg *config.Config, logger *slog.Logger, taskStore store.TaskStore) (*application, error) {
	eng, err := newEngine(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}

	limiter := task.NewLimiter(task.LimiterConfig{
		MaxPerOwner: cfg.Dispatch.MaxPerUserConcurrent,
		MaxGlobal:   cfg.Dispatch.MaxGlobalConcurrent,
	})

	cancels := task.NewCancelQueue(cancelQueueSize, logger)
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(events.NewLogNotifier(logger))
	emitter.RegisterHandler(task.NewEngineCancelHandler(cancels, logger))

	deps := task.Deps{
		Store:   taskStore,
		Limiter: limiter,
		Engine:  eng,
		Emitter: emitter,
		Logger:  logger,
	}
	dispatcher := task.NewDispatcher(deps, task.DispatcherConfig{
		WorkerCount:    cfg.Dispatch.WorkerCount,
		ScanInterval:   cfg.Dispatch.ScanInterval,
		ScanBatchSize:  cfg.Dispatch.ScanBatchSize,
		CallTimeout:    cfg.Engine.CallTimeout,
		RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
		RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay,
	})
	reconciler := task.NewReconciler(deps, task.ReconcilerConfig{
		PollInterval:          cfg.Dispatch.PollInterval,
		CallTimeout:           cfg.Engine.CallTimeout,
		Workers:               cfg.Dispatch.ReconcileWorkers,
		BatchSize:             cfg.Dispatch.ScanBatchSize,
		LedgerRebuildInterval: cfg.Dispatch.LedgerRebuildInterval,
		StuckAdmittedAge:      cfg.Dispatch.StuckAdmittedAge,
	})

	tasks, err := service.NewTaskService(taskStore, limiter, emitter, service.TaskServiceConfig{
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		TaskTimeout:      cfg.Dispatch.TaskTimeout,
		MaxScheduleDelay: cfg.Dispatch.MaxScheduleDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwt service: %w", err)
	}

	return &application{
		config:     cfg,
		logger:     logger,
		store:      taskStore,
		closeStore: func() error { return nil },
		engine:     eng,
		limiter:    limiter,
		cancels:    cancels,
		dispatcher: dispatcher,
		reconciler: reconciler,
		runner:     task.NewTaskRunner(dispatcher, reconciler, cancels, logger),
		tasks:      tasks,
		jwt:        jwtService,
	}, nil
}

// newEngine selects the engine client.
func newEngine(cfg config.EngineConfig, logger *slog.Logger) (task.Engine, error) {
	switch cfg.Mode {
	case "http":
		client, err := engine.NewHTTPClient(engine.HTTPClientConfig{
			BaseURL:              cfg.BaseURL,
			APIKey:               cfg.APIKey,
			IdempotencySupported: cfg.IdempotencySupported,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine client: %w", err)
		}
		return client, nil
	case "mock":
		logger.Warn("using simulated parsing engine")
		return engine.NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// router builds the HTTP handler. The reconciler receives engine callbacks.
func (app *application) router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Tasks:              app.tasks,
		JWTService:         app.jwt,
		Notifier:           app.reconciler,
		CallbackSecret:     app.config.Auth.CallbackSecret,
		CORSAllowedOrigins: app.config.Server.CORSAllowedOrigins,
		Logger:             app.logger,
	})
}

// close stops the loops and releases the store.
func (app *application) close() error {
	return errors.Join(app.runner.Stop(), app.closeStore())
}
