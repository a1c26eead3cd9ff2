// Package db opens the server's SQLite store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// InitDB opens the database at dbPath once per process and runs the schema migrations.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				initErr = fmt.Errorf("failed to create database directory: %w", err)
				return
			}
		}

		conn, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		// WAL lets the audit API read while sessions write.
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			initErr = fmt.Errorf("failed to enable WAL mode: %w", err)
			return
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			initErr = fmt.Errorf("failed to set busy timeout: %w", err)
			return
		}

		if err := runMigrations(conn); err != nil {
			conn.Close()
			initErr = fmt.Errorf("failed to run migrations: %w", err)
			return
		}
		db = conn
	})

	if initErr != nil {
		return nil, initErr
	}
	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return db, nil
}

// GetDB returns the initialized database connection.
func GetDB() *sql.DB {
	return db
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		workspace_root TEXT NOT NULL,
		remote_addr TEXT,
		state TEXT NOT NULL,
		terminal TEXT,
		authenticated INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		reason TEXT,
		last_activity DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

	CREATE TABLE IF NOT EXISTS sync_state (
		workspace_id TEXT PRIMARY KEY,
		epoch TEXT NOT NULL,
		last_applied INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a new in-memory database for testing.
// This bypasses the singleton pattern and creates a fresh database each time.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: would be a separate database.
	testDB.SetMaxOpenConns(1)

	if err := runMigrations(testDB); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}
