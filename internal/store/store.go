// Package store persists materialized observations and raster artifacts.
// Both tables are written only by successful job executions, always via
// idempotent upsert-by-unique-key: concurrent blind writes are safe without
// any extra locking.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure Go sqlite driver, no CGO
)

// Open opens (or creates) the sqlite database. The connection pool is capped
// at one connection: sqlite serializes writers anyway and a single connection
// keeps ":memory:" databases coherent in tests.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return db, nil
}
