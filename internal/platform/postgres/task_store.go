package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/store"
)

const taskColumns = `id, owner_id, kind, state, payload, external_ref, attempt, max_attempts,
	progress, next_attempt_at, deadline, created_at, admitted_at, submitted_at,
	last_polled_at, completed_at, result, error, retry_of, version, updated_at`

const (
	nonTerminalStates = `('pending', 'admitted', 'submitted', 'polling')`
	terminalStates    = `('completed', 'failed', 'cancelled')`
	quotaStates       = `('admitted', 'submitted', 'polling')`
)

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore.
// It panics if db is nil. A nil logger falls back to slog.Default().
func NewPostgresTaskStore(db *sql.DB, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
		now:    time.Now,
	}
}

// Create implements store.TaskStore.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("invalid task rejected", slog.String("task_id", task.ID.String()), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		taskArgs(task)...)
	if err != nil {
		log.Error("failed to create task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("owner_id", task.OwnerID.String()),
		slog.String("kind", string(task.Kind)))
	return nil
}

// Get implements store.TaskStore.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "get", "query failed", err)
	}
	return task, nil
}

// GetByExternalRef implements store.TaskStore.
func (s *PostgresTaskStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE external_ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "get by external ref", "query failed", err)
	}
	return task, nil
}

// CompareAndTransition implements store.TaskStore. The row is locked, the
// transition is validated in the domain model, and the write is guarded on
// both state and version so that a concurrent writer always loses cleanly.
func (s *PostgresTaskStore) CompareAndTransition(
	ctx context.Context,
	id uuid.UUID,
	from, to domain.TaskState,
	upd domain.TaskUpdate,
) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(
		slog.String("task_id", id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	var updated *domain.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		if err != nil {
			return store.NewStoreError("task", "transition", "failed to load task", err)
		}
		if current.State != from {
			return fmt.Errorf("%w: task is %s", store.ErrConflict, current.State)
		}

		next := current.Clone()
		if err := next.Transition(to, upd, s.now()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET
				state = $3, external_ref = $4, attempt = $5, progress = $6,
				next_attempt_at = $7, admitted_at = $8, submitted_at = $9,
				last_polled_at = $10, completed_at = $11, result = $12, error = $13,
				version = $14, updated_at = $15
			WHERE id = $1 AND state = $2 AND version = $16`,
			next.ID, string(from), string(next.State), nullString(next.ExternalRef), next.Attempt, next.Progress,
			next.NextAttemptAt, nullTime(next.AdmittedAt), nullTime(next.SubmittedAt),
			nullTime(next.LastPolledAt), nullTime(next.CompletedAt), nullJSON(next.Result), errorJSON(next.Error),
			next.Version, next.UpdatedAt, current.Version)
		if err != nil {
			return MapError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: concurrent update", store.ErrConflict)
		}

		if from != to {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_transitions
					(task_id, from_state, to_state, attempt, occurred_at)
				VALUES ($1, $2, $3, $4, $5)`,
				next.ID, string(from), string(to), next.Attempt, next.UpdatedAt); err != nil {
				return store.NewStoreError("task", "transition", "failed to record transition", err)
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		if store.IsConflict(err) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDuplicate) ||
			errors.Is(err, domain.ErrInvalidTransition) {
			log.Debug("transition not applied", slog.String("reason", err.Error()))
		} else {
			log.Error("failed to transition task", slog.String("error", err.Error()))
		}
		return nil, err
	}
	return updated, nil
}

// ListByOwner implements store.TaskStore.
func (s *PostgresTaskStore) ListByOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	states []domain.TaskState,
	limit, offset int,
) ([]*domain.Task, error) {
	stateFilter := make([]string, 0, len(states))
	for _, st := range states {
		stateFilter = append(stateFilter, string(st))
	}
	return s.queryTasks(ctx, "list by owner", `SELECT `+taskColumns+` FROM tasks
		WHERE owner_id = $1 AND (cardinality($2::text[]) = 0 OR state = ANY($2::text[]))
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`,
		ownerID, stateFilter, sqlLimit(limit), offset)
}

// ListDispatchable implements store.TaskStore. Ranking within each owner
// happens before the overall limit, so the window holds every owner's heads.
func (s *PostgresTaskStore) ListDispatchable(ctx context.Context, q store.DispatchQuery) ([]*domain.Task, error) {
	excluded := make([]string, 0, len(q.ExcludeOwners))
	for _, owner := range q.ExcludeOwners {
		excluded = append(excluded, owner.String())
	}
	return s.queryTasks(ctx, "list dispatchable", `SELECT `+taskColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY owner_id ORDER BY created_at, id) AS owner_rank
			FROM tasks
			WHERE state = 'pending' AND next_attempt_at <= $1
				AND NOT (owner_id::text = ANY($2::text[]))
		) ranked
		WHERE $3::int = 0 OR owner_rank <= $3::int
		ORDER BY created_at, id
		LIMIT $4`, q.Now.UTC(), excluded, max(q.PerOwner, 0), sqlLimit(q.Limit))
}

// ListDueForPolling implements store.TaskStore.
func (s *PostgresTaskStore) ListDueForPolling(ctx context.Context, polledBefore time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list due for polling", `SELECT `+taskColumns+` FROM tasks
		WHERE state IN ('submitted', 'polling')
			AND COALESCE(last_polled_at, submitted_at, created_at) <= $1
		ORDER BY COALESCE(last_polled_at, submitted_at, created_at), id
		LIMIT $2`, polledBefore.UTC(), sqlLimit(limit))
}

// ListPastDeadline implements store.TaskStore.
func (s *PostgresTaskStore) ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list past deadline", `SELECT `+taskColumns+` FROM tasks
		WHERE state IN `+nonTerminalStates+` AND deadline <= $1
		ORDER BY deadline, id
		LIMIT $2`, now.UTC(), sqlLimit(limit))
}

// ListStaleAdmitted implements store.TaskStore. updated_at marks the latest
// admission because nothing writes an admitted row without leaving admitted.
func (s *PostgresTaskStore) ListStaleAdmitted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, "list stale admitted", `SELECT `+taskColumns+` FROM tasks
		WHERE state = 'admitted' AND updated_at < $1
		ORDER BY created_at, id
		LIMIT $2`, cutoff.UTC(), sqlLimit(limit))
}

// ListInFlight implements store.TaskStore.
func (s *PostgresTaskStore) ListInFlight(ctx context.Context) ([]domain.Slot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id FROM tasks WHERE state IN `+quotaStates)
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
func (s *PostgresTaskStore) CountByState(ctx context.Context, ownerID *uuid.UUID) (map[domain.TaskState]int, error) {
	var owner any
	if ownerID != nil {
		owner = *ownerID
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks
		WHERE $1::uuid IS NULL OR owner_id = $1::uuid
		GROUP BY state`, owner)
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
func (s *PostgresTaskStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks
		WHERE state IN `+terminalStates+` AND completed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, store.NewStoreError("task", "purge", "delete failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("purged terminal tasks",
		slog.Int64("count", n),
		slog.Time("older_than", olderThan))
	return n, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, op string, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("task query failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
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
		kind, state                                    string
		externalRef                                    sql.NullString
		admittedAt, submittedAt, polledAt, completedAt sql.NullTime
		payload, result, errJSON                       []byte
		retryOf                                        uuid.NullUUID
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &kind, &state, &payload, &externalRef, &t.Attempt, &t.MaxAttempts,
		&t.Progress, &t.NextAttemptAt, &t.Deadline, &t.CreatedAt, &admittedAt, &submittedAt,
		&polledAt, &completedAt, &result, &errJSON, &retryOf, &t.Version, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TaskKind(kind)
	t.State = domain.TaskState(state)
	t.Payload = payload
	t.ExternalRef = externalRef.String
	t.AdmittedAt = timePtr(admittedAt)
	t.SubmittedAt = timePtr(submittedAt)
	t.LastPolledAt = timePtr(polledAt)
	t.CompletedAt = timePtr(completedAt)
	t.NextAttemptAt = t.NextAttemptAt.UTC()
	t.Deadline = t.Deadline.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(result) > 0 {
		t.Result = result
	}
	if len(errJSON) > 0 {
		var te domain.TaskError
		if err := json.Unmarshal(errJSON, &te); err != nil {
			return nil, fmt.Errorf("failed to decode task error: %w", err)
		}
		t.Error = &te
	}
	if retryOf.Valid {
		id := retryOf.UUID
		t.RetryOf = &id
	}
	return &t, nil
}

func taskArgs(t *domain.Task) []any {
	var retryOf any
	if t.RetryOf != nil {
		retryOf = *t.RetryOf
	}
	return []any{
		t.ID, t.OwnerID, string(t.Kind), string(t.State), string(t.Payload), nullString(t.ExternalRef),
		t.Attempt, t.MaxAttempts, t.Progress, t.NextAttemptAt.UTC(), t.Deadline.UTC(), t.CreatedAt.UTC(),
		nullTime(t.AdmittedAt), nullTime(t.SubmittedAt), nullTime(t.LastPolledAt), nullTime(t.CompletedAt),
		nullJSON(t.Result), errorJSON(t.Error), retryOf, t.Version, t.UpdatedAt.UTC(),
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
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
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return string(b)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
