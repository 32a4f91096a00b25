package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/parsedispatch/internal/config"
	"github.com/phrazzld/parsedispatch/internal/platform/postgres"
	"github.com/phrazzld/parsedispatch/internal/platform/sqlite"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/phrazzld/parsedispatch/internal/task"
)

const pingTimeout = 5 * time.Second

// openPostgres connects to PostgreSQL and configures the connection pool.
func openPostgres(ctx context.Context, url string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established", "driver", "postgres")
	return db, nil
}

// openStore returns the task store selected by cfg and a function that
// releases it.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.TaskStore, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := openPostgres(ctx, cfg.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewPostgresTaskStore(db, logger), db.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("database connection established", "driver", "sqlite", "path", cfg.URL)
		return s, s.Close, nil
	case "memory":
		logger.Warn("using in-memory task store; tasks are lost on exit")
		return task.NewMemoryTaskStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
