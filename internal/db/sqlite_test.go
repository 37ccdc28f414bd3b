package db

import (
	"path/filepath"
	"testing"
)

func TestNewTestDB_Schema(t *testing.T) {
	database, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	defer database.Close()

	var version int
	if err := database.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}

	if _, err := database.Exec(`INSERT INTO sessions (id, name, command, log_file_path, idle_state) VALUES ('a', 'one', 'cat', '/tmp/a.cast', 'idle')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO sessions (id, name, command, log_file_path) VALUES ('b', 'one', 'cat', '/tmp/b.cast')`); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	ResetDB()
	defer ResetDB()

	path := filepath.Join(t.TempDir(), "sessions.db")
	database, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if err := runMigrations(database); err != nil {
		t.Errorf("second run: %v", err)
	}
}
