package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestInitDB tests that the schema is created on a file database
func TestInitDB(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "db_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ResetDB()
	defer ResetDB()

	conn, err := InitDB(filepath.Join(tmpDir, "nested", "wsterm.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	if GetDB() != conn {
		t.Error("Expected GetDB to return the initialized connection")
	}

	for _, table := range []string{"sessions", "sync_state"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s, got %v", table, err)
		}
	}

	again, err := InitDB(filepath.Join(tmpDir, "other.db"))
	if err != nil || again != conn {
		t.Error("Expected InitDB to return the existing connection")
	}
}

// TestNewTestDB tests that each in-memory database is independent
func TestNewTestDB(t *testing.T) {
	a, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB failed: %v", err)
	}
	defer a.Close()
	b, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB failed: %v", err)
	}
	defer b.Close()

	if _, err := a.Exec(`INSERT INTO sync_state (workspace_id, epoch, last_applied) VALUES ('w', 'e', 1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var n int
	b.QueryRow(`SELECT COUNT(*) FROM sync_state`).Scan(&n)
	if n != 0 {
		t.Errorf("Expected empty second database, got %d rows", n)
	}
}
