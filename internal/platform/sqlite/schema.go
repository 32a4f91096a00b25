package sqlite

// Timestamps are stored as Unix nanoseconds so that range predicates
// compare numerically.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	state           TEXT NOT NULL,
	payload         TEXT NOT NULL,
	external_ref    TEXT UNIQUE,
	attempt         INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	deadline        INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	admitted_at     INTEGER,
	submitted_at    INTEGER,
	last_polled_at  INTEGER,
	completed_at    INTEGER,
	result          TEXT,
	error           TEXT,
	retry_of        TEXT,
	version         INTEGER NOT NULL DEFAULT 1,
	updated_at      INTEGER NOT NULL,
	CHECK (attempt >= 0 AND attempt <= max_attempts)
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks (owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_state_next ON tasks (state, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks (deadline);

CREATE TABLE IF NOT EXISTS task_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions (task_id);
`
