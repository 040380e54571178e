// Package sqldb opens the durable store database. Production deployments set
// DATABASE_URL and get PostgreSQL; without it the engine falls back to a local
// SQLite file, which keeps single-node setups dependency-free. Every store in
// this module writes portable SQL against database/sql, so the only things a
// store needs from here are the dialect (for the few DDL differences) and the
// shared timestamp encoding.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Clock abstracts the timestamp source stores stamp rows with; tests inject
// a fake to pin time.
type Clock interface {
	Now() time.Time
}

// WallClock is the default Clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// Dialect identifies the SQL backend behind a *sql.DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SerialPK returns the column definition for an auto-incrementing BIGINT
// primary key, the one piece of DDL the two backends spell differently.
func (d Dialect) SerialPK() string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Open connects to PostgreSQL when databaseURL is non-empty, otherwise to a
// SQLite file at sqlitePath, creating parent directories as needed.
func Open(ctx context.Context, databaseURL, sqlitePath string) (*sql.DB, Dialect, error) {
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("sqldb: failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("sqldb: failed to ping postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	if dir := filepath.Dir(sqlitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, "", fmt.Errorf("sqldb: failed to create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, "", fmt.Errorf("sqldb: failed to open sqlite: %w", err)
	}
	return db, DialectSQLite, nil
}

// UnixSeconds converts t to the REAL unix-seconds representation all
// timestamp columns in this schema use. The encoding survives fractional
// seconds and compares identically under both backends, which typed
// timestamp columns do not: their text formats differ in fraction width and
// zone handling between drivers.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds converts a stored REAL unix-seconds value back to UTC time.
// Round-tripping is accurate to well under a millisecond for current epochs.
func FromUnixSeconds(sec float64) time.Time {
	ns := int64(math.Round(sec * float64(time.Second)))
	return time.Unix(0, ns).UTC()
}
