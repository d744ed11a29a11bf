// Package sqlitestore provides the sqlite-backed landscape store used for
// tests, local development, and the in-memory mode that mirrors the
// original engine's LandscapeDB.in_memory() convenience constructor.
package sqlitestore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sentryflow/sentryflow/internal/landscape"
)

// Open connects to the sqlite database at path (use ":memory:" for an
// ephemeral store) and applies the landscape schema.
func Open(path string) (*sqlx.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&cache=shared"
	}
	// A single shared connection keeps an in-memory database alive for the
	// life of the process; sqlite3 otherwise discards it once the pool
	// closes the only open connection.
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: connect %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := landscape.Open(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return db, nil
}
