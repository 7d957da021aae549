package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	sharedStateDBMu sync.Mutex
	sharedStateDB   *sql.DB
)

// getSharedStateDB returns the process-wide state database, or nil before
// initSharedStateDB has run. All stores share one connection pool because
// concurrent connections to the same SQLite file are not worth the risk
// with modernc.org/sqlite.
func getSharedStateDB() *sql.DB {
	sharedStateDBMu.Lock()
	defer sharedStateDBMu.Unlock()
	return sharedStateDB
}

func initSharedStateDB(path string) (*sql.DB, error) {
	db, err := openStateDB(path)
	if err != nil {
		return nil, err
	}
	sharedStateDBMu.Lock()
	sharedStateDB = db
	sharedStateDBMu.Unlock()
	return db, nil
}

func closeSharedStateDB() {
	sharedStateDBMu.Lock()
	db := sharedStateDB
	sharedStateDB = nil
	sharedStateDBMu.Unlock()
	if db != nil {
		_ = db.Close()
	}
}

// openStateDB opens (creating if needed) the SQLite state database and
// applies the schema. The caller owns the returned handle.
func openStateDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_foreign_keys=1&_journal=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateStateDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrateStateDB(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_slots (
			user_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			received_at INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS events_received_at_idx ON events (received_at)`,
		`CREATE TABLE IF NOT EXISTS renders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			time_taken REAL NOT NULL,
			at INTEGER NOT NULL,
			was_error INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS renders_at_idx ON renders (at)`,
		`CREATE INDEX IF NOT EXISTS renders_user_idx ON renders (user_id)`,
		`CREATE TABLE IF NOT EXISTS render_errors (
			id TEXT PRIMARY KEY,
			trace TEXT NOT NULL,
			user_id INTEGER,
			caused_by TEXT,
			at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
