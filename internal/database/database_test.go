package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNewRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.db")

	db, err := New(path, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"app_state", "queued_events", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

func TestNewIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")

	db, err := New(path, zap.NewNop())
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	db.Close()

	db, err = New(path, zap.NewNop())
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	defer db.Close()
}
