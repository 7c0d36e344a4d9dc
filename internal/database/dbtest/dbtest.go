// Package dbtest opens throwaway SQLite stores for package tests.
package dbtest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/murailocrm/internal/database"
)

// Open creates a migrated SQLite database under t.TempDir and closes it on cleanup.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crm.db")
	db, err := database.NewDB(database.DriverSQLite, path)
	if err != nil {
		t.Fatalf("NewDB() failed: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	return db
}

// NewStore returns a Store over a fresh database.
func NewStore(t testing.TB) database.Store {
	t.Helper()
	return database.NewStore(Open(t), Logger())
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
