// Package database opens the task database.
package database

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open initializes the SQLite database under dataDir.
func Open(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	dbFile := filepath.Join(dataDir, "tasks.db")
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// WAL and a busy timeout keep concurrent progress writes from
	// tripping over SQLITE_BUSY. Failure here is not fatal.
	db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;
	`)

	// The driver serializes writes anyway; a single connection avoids
	// table-lock churn between the progress patcher and the API.
	db.SetMaxOpenConns(1)

	return db, nil
}
