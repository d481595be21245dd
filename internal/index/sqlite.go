// Package index maintains a derived, read-optimized SQLite index over
// runs and jobs. It is never the source of truth: the authoritative
// state lives in the JSON files under internal/store and internal/run /
// internal/scheduler. The index is rebuilt from that state on startup
// and kept current by subscribing to the run-scoped event bus, the way
// the teacher's analytics repository layers a read-optimized store on
// top of its own authoritative tables.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeoutMs = 5000

// openSQLite opens a single-writer-connection SQLite database at dbPath,
// creating its parent directory and the file itself if missing.
func openSQLite(dbPath string) (*sqlx.DB, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, fmt.Errorf("prepare index db path: %w", err)
	}
	if err := ensureFile(dbPath); err != nil {
		return nil, fmt.Errorf("create index db file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, defaultBusyTimeoutMs,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// Single writer connection: the index is rebuilt/updated from one
	// goroutine path (startup rebuild, then event-driven upserts), so
	// there is no need for a reader pool the way the teacher's
	// OpenSQLiteReader provides for concurrent query load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return sqlx.NewDb(db, "sqlite3"), nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
