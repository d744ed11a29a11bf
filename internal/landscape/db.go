package landscape

import "github.com/jmoiron/sqlx"

// Dialect identifies which SQL backend a *sqlx.DB talks to, so callers that
// need dialect-specific behavior beyond placeholder rewriting (there is
// none today) have somewhere to branch.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Open wraps an already-connected *sqlx.DB and applies the portable schema.
// Both sqlitestore.Open and postgres.Open call this after establishing
// their driver-specific connection, so recorder.go never imports a driver
// package directly.
func Open(db *sqlx.DB) (*sqlx.DB, error) {
	if _, err := db.Exec(Schema()); err != nil {
		return nil, err
	}
	return db, nil
}
