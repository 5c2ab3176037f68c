// Package history keeps a local record of finished agent sessions. The
// store backing task state is remote; this is the daemon's own ledger,
// queried by the status surface and kept across restarts.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/config"
	"github.com/fluxhq/flux/internal/common/logger"
)

// defaultListLimit bounds ListRecentSessions when the caller passes no limit.
const defaultListLimit = 50

// Session is one finished execution. KilledAt is set only for sessions
// that were aborted rather than exiting on their own.
type Session struct {
	ID           int64      `db:"id" json:"id"`
	TaskID       string     `db:"task_id" json:"taskId"`
	Backend      string     `db:"backend" json:"backend"`
	SessionID    string     `db:"session_id" json:"sessionId,omitempty"`
	Status       string     `db:"status" json:"status"`
	Output       string     `db:"output" json:"output,omitempty"`
	ErrorMessage string     `db:"error_message" json:"errorMessage,omitempty"`
	TokensUsed   int64      `db:"tokens_used" json:"tokensUsed,omitempty"`
	CostUSD      float64    `db:"cost_usd" json:"costUsd,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt   time.Time  `db:"finished_at" json:"finishedAt"`
	DurationMs   int64      `db:"duration_ms" json:"durationMs"`
	KilledAt     *time.Time `db:"killed_at" json:"killedAt,omitempty"`
	KillReason   string     `db:"kill_reason" json:"killReason,omitempty"`
}

// Store is the session-history repository. Writes go through the writer
// pool (a single connection on SQLite), reads through the reader pool.
type Store struct {
	driver string
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// Open connects per the configured driver and initializes the schema.
func Open(cfg config.HistoryConfig, log *logger.Logger) (*Store, error) {
	var (
		writer *sqlx.DB
		reader *sqlx.DB
		err    error
	)
	switch cfg.Driver {
	case driverSQLite:
		writer, reader, err = openSQLitePools(cfg.Path)
	case driverPostgres:
		// pgx pools internally, so one handle serves both roles.
		writer, err = openPostgres(cfg.DSN)
		reader = writer
	default:
		return nil, fmt.Errorf("unsupported history driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		driver: cfg.Driver,
		writer: writer,
		reader: reader,
		logger: log.WithFields(zap.String("component", "history")),
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	s.logger.Debug("session history ready",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.Path))
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// RecordSession appends one finished session. A zero DurationMs is derived
// from the start and finish timestamps.
func (s *Store) RecordSession(ctx context.Context, session Session) error {
	if session.DurationMs == 0 && !session.FinishedAt.IsZero() && !session.StartedAt.IsZero() {
		session.DurationMs = session.FinishedAt.Sub(session.StartedAt).Milliseconds()
	}
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO sessions (
			task_id, backend, session_id, status, output, error_message,
			tokens_used, cost_usd, started_at, finished_at, duration_ms,
			killed_at, kill_reason
		) VALUES (
			:task_id, :backend, :session_id, :status, :output, :error_message,
			:tokens_used, :cost_usd, :started_at, :finished_at, :duration_ms,
			:killed_at, :kill_reason
		)`, session)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// ListRecentSessions returns the most recently finished sessions, newest
// first.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var sessions []Session
	query := s.reader.Rebind(`
		SELECT id, task_id, backend, session_id, status, output, error_message,
		       tokens_used, cost_usd, started_at, finished_at, duration_ms,
		       killed_at, kill_reason
		FROM sessions
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`)
	if err := s.reader.SelectContext(ctx, &sessions, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// CountSessionsByStatus returns session totals keyed by terminal status.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.reader.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS n FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
