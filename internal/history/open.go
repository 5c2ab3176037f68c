package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "pgx"

	busyTimeout = 5 * time.Second

	// WAL mode allows these readers to run alongside the single writer.
	readerConns = 4

	postgresMaxConns = 10
)

// openSQLitePools opens the single-connection writer and the read-only
// reader pool against one SQLite file, creating the file and its directory
// when missing.
func openSQLitePools(path string) (writer, reader *sqlx.DB, err error) {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to prepare history directory: %w", err)
		}
	}
	// Touch the file up front so the read-only pool can open it before the
	// lazy writer connection ever runs.
	if f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to create history file: %w", err)
	} else if err := f.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to create history file: %w", err)
	}

	// Writer settings: WAL for read concurrency, a busy timeout to ride out
	// transient locks, NORMAL sync as the durability tradeoff for a local
	// ledger. The single connection serializes writes and avoids
	// SQLITE_BUSY.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, int(busyTimeout/time.Millisecond))
	writer, err = sqlx.Open(driverSQLite, writerDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The reader takes journal_mode and synchronous from the database; it
	// only needs read-only mode and the busy timeout.
	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		path, int(busyTimeout/time.Millisecond))
	reader, err = sqlx.Open(driverSQLite, readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open history reader: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)

	return writer, reader, nil
}

// openPostgres opens a pgx-backed pool via database/sql.
func openPostgres(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(postgresMaxConns)
	db.SetMaxIdleConns(2)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	return db, nil
}
