// Package sqlite implements the task store on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver. It suits single-node
// deployments where running PostgreSQL is not worth it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const taskColumns = `id, owner_id, kind, state, payload, external_ref, attempt, max_attempts,
	progress, next_attempt_at, deadline, created_at, admitted_at, submitted_at,
	last_polled_at, completed_at, result, error, retry_of, version, updated_at`

// TaskStore persists tasks in a SQLite database.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for a throwaway database. The caller must Close it.
func Open(path string, logger *slog.Logger) (*TaskStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "sqlite_task_store")),
		now:    time.Now,
	}, nil
}

// Close releases the underlying database connection.
func (s *TaskStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *TaskStore) DB() *sql.DB { return s.db }

// Create implements store.TaskStore.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, taskArgs(task)...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to create task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return mapError(err)
	}
	return nil
}

// Get implements store.TaskStore.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.getOne(ctx, s.db, `WHERE id = ?`, id.String())
}

// GetByExternalRef implements store.TaskStore.
func (s *TaskStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Task, error) {
	return s.getOne(ctx, s.db, `WHERE external_ref = ?`, ref)
}

func (s *TaskStore) getOne(ctx context.Context, q store.DBTX, where string, arg any) (*domain.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "get", "query failed", err)
	}
	return task, nil
}

// CompareAndTransition implements store.TaskStore.
func (s *TaskStore) CompareAndTransition(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.TaskState,
	upd domain.TaskUpdate,
) (*domain.Task, error) {
	var updated *domain.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.getOne(ctx, tx, `WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		if current.State != from {
			return fmt.Errorf("%w: task is %s", store.ErrConflict, current.State)
		}

		next := current.Clone()
		if err := next.Transition(to, upd, s.now()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET
				state = ?, external_ref = ?, attempt = ?, progress = ?, next_attempt_at = ?,
				admitted_at = ?, submitted_at = ?, last_polled_at = ?, completed_at = ?,
				result = ?, error = ?, version = ?, updated_at = ?
			WHERE id = ? AND state = ? AND version = ?`,
			string(next.State), nullString(next.ExternalRef), next.Attempt, next.Progress, nanos(next.NextAttemptAt),
			nullNanos(next.AdmittedAt), nullNanos(next.SubmittedAt), nullNanos(next.LastPolledAt),
			nullNanos(next.CompletedAt), nullJSON(next.Result), errorJSON(next.Error), next.Version,
			nanos(next.UpdatedAt), id.String(), string(from), current.Version)
		if err != nil {
			return mapError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: concurrent update", store.ErrConflict)
		}

		if from != to {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_transitions
					(task_id, from_state, to_state, attempt, occurred_at) VALUES (?,?,?,?,?)`,
				id.String(), string(from), string(to), next.Attempt, nanos(next.UpdatedAt)); err != nil {
				return store.NewStoreError("task", "transition", "failed to record transition", err)
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Debug("transition not applied",
			slog.String("task_id", id.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("reason", err.Error()))
		return nil, err
	}
	return updated, nil
}

// ListByOwner implements store.TaskStore.
func (s *TaskStore) ListByOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	states []domain.TaskState,
	limit, offset int,
) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = ?`
	args := []any{ownerID.String()}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, sqlLimit(limit), offset)
	return s.queryTasks(ctx, "list by owner", query, args...)
}

// ListDispatchable implements store.TaskStore.
func (s *TaskStore) ListDispatchable(ctx context.Context, q store.DispatchQuery) ([]*domain.Task, error) {
	args := []any{nanos(q.Now)}
	exclude := ""
	if len(q.ExcludeOwners) > 0 {
		exclude = ` AND owner_id NOT IN (` + placeholders(len(q.ExcludeOwners)) + `)`
		for _, owner := range q.ExcludeOwners {
			args = append(args, owner.String())
		}
	}
	perOwner := max(q.PerOwner, 0)
	args = append(args, perOwner, perOwner, sqlLimit(q.Limit))
	return s.queryTasks(ctx, "list dispatchable", `SELECT `+taskColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY owner_id ORDER BY created_at, id) AS owner_rank
			FROM tasks
			WHERE state = 'pending' AND next_attempt_at <= ?`+exclude+`
		)
		WHERE ? = 0 OR owner_rank <= ?
		ORDER BY created_at, id LIMIT ?`, args...)
}

// ListDueForPolling implements store.TaskStore.
func (s *TaskStore) ListDueForPolling(ctx context.Context, polledBefore time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list due for polling", `SELECT `+taskColumns+` FROM tasks
		WHERE state IN ('submitted', 'polling')
			AND COALESCE(last_polled_at, submitted_at, created_at) <= ?
		ORDER BY COALESCE(last_polled_at, submitted_at, created_at), id LIMIT ?`,
		nanos(polledBefore), sqlLimit(limit))
}

// ListPastDeadline implements store.TaskStore.
func (s *TaskStore) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list past deadline", `SELECT `+taskColumns+` FROM tasks
		WHERE state IN ('pending', 'admitted', 'submitted', 'polling') AND deadline <= ?
		ORDER BY deadline, id LIMIT ?`, nanos(now), sqlLimit(limit))
}

// ListStaleAdmitted implements store.TaskStore. updated_at is the time of
// the latest admission for a row still in admitted.
func (s *TaskStore) ListStaleAdmitted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list stale admitted", `SELECT `+taskColumns+` FROM tasks
		WHERE state = 'admitted' AND updated_at < ?
		ORDER BY created_at, id LIMIT ?`, nanos(cutoff), sqlLimit(limit))
}

// ListInFlight implements store.TaskStore.
func (s *TaskStore) ListInFlight(ctx context.Context) ([]domain.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id FROM tasks WHERE state IN ('admitted', 'submitted', 'polling')`)
	if err != nil {
		return nil, store.NewStoreError("task", "list in-flight", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	slots := make([]domain.Slot, 0)
	for rows.Next() {
		var slot domain.Slot
		if err := rows.Scan(&slot.TaskID, &slot.OwnerID); err != nil {
			return nil, store.NewStoreError("task", "list in-flight", "failed to scan slot", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// CountByState implements store.TaskStore.
func (s *TaskStore) CountByState(ctx context.Context, ownerID *uuid.UUID) (map[domain.TaskState]int, error) {
	query := `SELECT state, COUNT(*) FROM tasks`
	var args []any
	if ownerID != nil {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID.String())
	}
	query += ` GROUP BY state`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStoreError("task", "count", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskState]int, len(domain.AllTaskStates))
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, store.NewStoreError("task", "count", "failed to scan count", err)
		}
		counts[domain.TaskState(state)] = n
	}
	return counts, rows.Err()
}

// PurgeTerminal implements store.TaskStore.
func (s *TaskStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks
		WHERE state IN ('completed', 'failed', 'cancelled') AND completed_at < ?`, nanos(olderThan))
	if err != nil {
		return 0, store.NewStoreError("task", "purge", "delete failed", err)
	}
	return res.RowsAffected()
}

func (s *TaskStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewStoreError("task", op, "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, store.NewStoreError("task", op, "failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task", op, "failed to iterate rows", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                                              domain.Task
		kind, state, payload                           string
		externalRef, result, errJSON, retryOf          sql.NullString
		nextAttempt, deadline, created, updated        int64
		admittedAt, submittedAt, polledAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &kind, &state, &payload, &externalRef, &t.Attempt, &t.MaxAttempts,
		&t.Progress, &nextAttempt, &deadline, &created, &admittedAt, &submittedAt,
		&polledAt, &completedAt, &result, &errJSON, &retryOf, &t.Version, &updated,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TaskKind(kind)
	t.State = domain.TaskState(state)
	t.Payload = json.RawMessage(payload)
	t.ExternalRef = externalRef.String
	t.NextAttemptAt = fromNanos(nextAttempt)
	t.Deadline = fromNanos(deadline)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.AdmittedAt = nullableTime(admittedAt)
	t.SubmittedAt = nullableTime(submittedAt)
	t.LastPolledAt = nullableTime(polledAt)
	t.CompletedAt = nullableTime(completedAt)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		var te domain.TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &te); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		t.Error = &te
	}
	if retryOf.Valid {
		id, err := uuid.Parse(retryOf.String)
		if err != nil {
			return nil, fmt.Errorf("decode retry_of: %w", err)
		}
		t.RetryOf = &id
	}
	return &t, nil
}

func taskArgs(t *domain.Task) []any {
	var retryOf any
	if t.RetryOf != nil {
		retryOf = t.RetryOf.String()
	}
	return []any{
		t.ID.String(), t.OwnerID.String(), string(t.Kind), string(t.State), string(t.Payload),
		nullString(t.ExternalRef), t.Attempt, t.MaxAttempts, t.Progress, nanos(t.NextAttemptAt),
		nanos(t.Deadline), nanos(t.CreatedAt), nullNanos(t.AdmittedAt), nullNanos(t.SubmittedAt),
		nullNanos(t.LastPolledAt), nullNanos(t.CompletedAt), nullJSON(t.Result), errorJSON(t.Error),
		retryOf, t.Version, nanos(t.UpdatedAt),
	}
}

func mapError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			if strings.Contains(sqliteErr.Error(), "external_ref") {
				return fmt.Errorf("%w: %v", store.ErrExternalRefExists, err)
			}
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func errorJSON(e *domain.TaskError) any {
	if e == nil {
		return nil
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
