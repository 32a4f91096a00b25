// Package testdb provides helpers for tests that need a real PostgreSQL
// database. Tests using it are skipped unless DATABASE_URL is set.
package testdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/parsedispatch/internal/platform/postgres"
	"github.com/stretchr/testify/require"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 10 * time.Second

// DatabaseURL returns the integration database URL, checking DATABASE_URL
// and then PARSEDISPATCH_TEST_DB_URL.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return os.Getenv("PARSEDISPATCH_TEST_DB_URL")
}

// IsIntegrationTestEnvironment reports whether a test database is configured.
func IsIntegrationTestEnvironment() bool {
	return DatabaseURL() != ""
}

// Open connects to the test database and applies all migrations. The test
// is skipped when no database is configured.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	if !IsIntegrationTestEnvironment() {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("pgx", DatabaseURL())
	require.NoError(t, err, "failed to open database")
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "failed to ping database")

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, postgres.Migrate(ctx, db, postgres.MigrateUp, quiet), "failed to run migrations")
	return db
}

// Reset removes all task data so the next test starts from an empty store.
func Reset(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `TRUNCATE task_transitions, tasks`)
	require.NoError(t, err, "failed to truncate tables")
}
