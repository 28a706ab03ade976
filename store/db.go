package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// openDB opens the SQLite database at path with the production pragmas this
// service relies on: WAL journaling, enforced foreign keys, and a busy
// timeout so concurrent job runners queue instead of erroring.
func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns(1) keeps all
// queries on the same in-memory database (each new connection to ":memory:"
// would otherwise get a fresh one). Closed automatically via t.Cleanup.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.DB.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}
