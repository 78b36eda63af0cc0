package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftline/metasync/db"
)

// CreateTestDB creates an in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	d, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

// CreateQueueDB creates an in-memory queue database with migrations applied.
func CreateQueueDB(t *testing.T) *sql.DB {
	t.Helper()

	d := CreateTestDB(t)
	if err := db.MigrateQueue(d, nil); err != nil {
		t.Fatalf("Failed to migrate queue database: %v", err)
	}
	return d
}

// CreateDLQDB creates an in-memory dead-letter database with migrations applied.
func CreateDLQDB(t *testing.T) *sql.DB {
	t.Helper()

	d := CreateTestDB(t)
	if err := db.MigrateDLQ(d, nil); err != nil {
		t.Fatalf("Failed to migrate dead-letter database: %v", err)
	}
	return d
}
