// Package testing holds shared test fixtures: a migrated in-memory database
// and helpers that seed resources into it.
package testing

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/rollout/db"
)

// CreateTestDB creates a migrated in-memory SQLite test database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on&_txlock=immediate")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// Every pooled connection to :memory: is a separate database
	conn.SetMaxOpenConns(1)

	if err := db.Migrate(conn, nil); err != nil {
		conn.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateFileTestDB creates a migrated database file in t.TempDir(), opened the
// way production opens it. Use it when a test needs several connections.
func CreateFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(t.TempDir()+"/rollout.db", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// InsertProject seeds a project row and returns its id
func InsertProject(t *testing.T, conn *sql.DB, name, repoURL string) int64 {
	t.Helper()
	return insert(t, conn, "INSERT INTO projects (name, repository_url, created_at) VALUES (?, ?, ?)",
		name, repoURL, time.Now().UnixNano())
}

// InsertEnvironment seeds an environment row and returns its id
func InsertEnvironment(t *testing.T, conn *sql.DB, name string, production bool) int64 {
	t.Helper()
	return insert(t, conn, "INSERT INTO environments (name, production, created_at) VALUES (?, ?, ?)",
		name, production, time.Now().UnixNano())
}

// InsertStage seeds a stage row and returns its id
func InsertStage(t *testing.T, conn *sql.DB, projectID, environmentID int64, name string, production bool) int64 {
	t.Helper()
	var env any
	if environmentID != 0 {
		env = environmentID
	}
	return insert(t, conn, "INSERT INTO stages (project_id, environment_id, name, production, created_at) VALUES (?, ?, ?, ?, ?)",
		projectID, env, name, production, time.Now().UnixNano())
}

// InsertUser seeds a user row and returns its id
func InsertUser(t *testing.T, conn *sql.DB, name, role string) int64 {
	t.Helper()
	return insert(t, conn, "INSERT INTO users (name, role, created_at) VALUES (?, ?, ?)",
		name, role, time.Now().UnixNano())
}

func insert(t *testing.T, conn *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := conn.Exec(query, args...)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("seed id: %v", err)
	}
	return id
}
