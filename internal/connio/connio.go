// Package connio opens the actual database/sql handle behind a registered
// Connection (spec.md §3), dispatching on ConnectionKind the way the schema
// introspector and SQL executor both need a live handle without caring how it
// was constructed. Grounded on evalgo-org-eve's pgx-over-database/sql wiring
// for the Postgres path and erigon's modernc.org/sqlite for the SQLite path.
package connio

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"github.com/neurareport/core/internal/model"
)

// Open returns a database/sql handle for conn. dsn is the resolved connection
// string/path -- for sqlite-kind connections a non-empty dsn is used as the
// file path, and conn.DatabasePath is used when dsn is empty; for
// postgres/mysql it is the decrypted secret blob (the DSN/URL).
func Open(conn model.Connection, dsn string) (*sql.DB, error) {
	switch conn.Kind {
	case model.ConnectionSQLite:
		path := dsn
		if path == "" {
			path = conn.DatabasePath
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("connio: open sqlite %s: %w", path, err)
		}
		db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time per handle
		return db, nil
	case model.ConnectionPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("connio: postgres connection %s has no resolved DSN", conn.ID)
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("connio: open postgres: %w", err)
		}
		return db, nil
	case model.ConnectionMySQL:
		return nil, fmt.Errorf("connio: mysql connections are not wired to a driver in this build (spec.md §1 non-goals: proprietary dialects beyond the catalog-allowlisted SQL)")
	default:
		return nil, fmt.Errorf("connio: unknown connection kind %q", conn.Kind)
	}
}

// Ping opens and immediately verifies conn, returning the observed round-trip
// latency for Connection.LastLatency bookkeeping (spec §3).
func Ping(ctx context.Context, conn model.Connection, dsn string) (time.Duration, error) {
	db, err := Open(conn, dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("connio: ping %s: %w", conn.ID, err)
	}
	return time.Since(start), nil
}
