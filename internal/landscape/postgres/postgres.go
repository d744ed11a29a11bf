// Package postgres provides the Postgres-backed landscape store used in
// production, sharing recorder.go and repository.go with the sqlite
// backend via the portable schema and '?'-placeholder SQL rewritten by
// sqlx's Rebind.
package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sentryflow/sentryflow/internal/landscape"
)

// Open connects to the Postgres database identified by dsn and applies the
// landscape schema.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if _, err := landscape.Open(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return db, nil
}
