package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/config"
	"github.com/fluxhq/flux/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.HistoryConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}
	s, err := Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(taskID, status string, finishedAt time.Time) Session {
	return Session{
		TaskID:     taskID,
		Backend:    "claude-cli",
		Status:     status,
		Output:     "output for " + taskID,
		TokensUsed: 1200,
		CostUSD:    0.04,
		StartedAt:  finishedAt.Add(-90 * time.Second),
		FinishedAt: finishedAt,
	}
}

func TestRecordAndListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordSession(ctx, sampleSession("task-1", "done", base)))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-2", "failed", base.Add(time.Minute))))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-3", "done", base.Add(2*time.Minute))))

	sessions, err := s.ListRecentSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "task-3", sessions[0].TaskID)
	assert.Equal(t, "task-2", sessions[1].TaskID)
	assert.Equal(t, "claude-cli", sessions[0].Backend)
	assert.Equal(t, int64(1200), sessions[0].TokensUsed)
	assert.InDelta(t, 0.04, sessions[0].CostUSD, 1e-9)
}

func TestDurationDerivedFromTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := sampleSession("task-1", "done", time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, s.RecordSession(ctx, session))

	sessions, err := s.ListRecentSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(90_000), sessions[0].DurationMs)
}

func TestExplicitDurationPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := sampleSession("task-1", "done", time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	session.DurationMs = 12345
	require.NoError(t, s.RecordSession(ctx, session))

	sessions, err := s.ListRecentSessions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), sessions[0].DurationMs)
}

func TestKilledSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := sampleSession("task-1", "cancelled", time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	killedAt := session.FinishedAt.Add(-time.Second)
	session.KilledAt = &killedAt
	session.KillReason = "supervisor stopping"
	require.NoError(t, s.RecordSession(ctx, session))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-2", "done", session.FinishedAt.Add(time.Minute))))

	sessions, err := s.ListRecentSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Nil(t, sessions[0].KilledAt)
	assert.Empty(t, sessions[0].KillReason)
	require.NotNil(t, sessions[1].KilledAt)
	assert.Equal(t, killedAt.Unix(), sessions[1].KilledAt.Unix())
	assert.Equal(t, "supervisor stopping", sessions[1].KillReason)
}

func TestCountSessionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordSession(ctx, sampleSession("task-1", "done", base)))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-2", "done", base)))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-3", "failed", base)))
	require.NoError(t, s.RecordSession(ctx, sampleSession("task-4", "cancelled", base)))

	counts, err := s.CountSessionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"done": 2, "failed": 1, "cancelled": 1}, counts)
}

func TestListDefaultsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSession(ctx, sampleSession("task-1", "done", time.Now().UTC())))
	sessions, err := s.ListRecentSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.HistoryConfig{Driver: "sqlite3", Path: filepath.Join(dir, "history.db")}

	first, err := Open(cfg, logger.Default())
	require.NoError(t, err)
	require.NoError(t, first.RecordSession(context.Background(),
		sampleSession("task-1", "done", time.Now().UTC())))
	require.NoError(t, first.Close())

	// Reopening runs the schema statements again and keeps existing rows.
	second, err := Open(cfg, logger.Default())
	require.NoError(t, err)
	defer second.Close()
	sessions, err := second.ListRecentSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestUnsupportedDriverRejected(t *testing.T) {
	_, err := Open(config.HistoryConfig{Driver: "mysql"}, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported history driver")
}
