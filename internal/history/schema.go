package history

import "context"

// Schema statements are idempotent so Open can run them on every start.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id       TEXT NOT NULL,
		backend       TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		output        TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		tokens_used   INTEGER NOT NULL DEFAULT 0,
		cost_usd      REAL NOT NULL DEFAULT 0,
		started_at    TIMESTAMP NOT NULL,
		finished_at   TIMESTAMP NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		killed_at     TIMESTAMP,
		kill_reason   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions(finished_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            BIGSERIAL PRIMARY KEY,
		task_id       TEXT NOT NULL,
		backend       TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		output        TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		tokens_used   BIGINT NOT NULL DEFAULT 0,
		cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ NOT NULL,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		killed_at     TIMESTAMPTZ,
		kill_reason   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_finished_at ON sessions(finished_at)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == driverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.writer.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
