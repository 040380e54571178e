package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CursorStore persists named stream positions across restarts.
type CursorStore interface {
	// Load returns the cursor's value, or 0 when it has never been stored.
	Load(ctx context.Context, key string) (int64, error)
	// Store upserts the cursor's value.
	Store(ctx context.Context, key string, value int64) error
}

// SQLCursorStore keeps cursors in a two-column table. It shares the engine's
// SQL database so a cursor write rides the same connection pool as the
// windows it protects.
type SQLCursorStore struct {
	db *sql.DB
}

func NewSQLCursorStore(db *sql.DB) *SQLCursorStore {
	return &SQLCursorStore{db: db}
}

// Init creates the engine_cursor table if it does not exist.
func (s *SQLCursorStore) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS engine_cursor (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("engine: failed to initialize cursor schema: %w", err)
	}
	return nil
}

func (s *SQLCursorStore) Load(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_cursor WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: failed to load cursor %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLCursorStore) Store(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_cursor (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("engine: failed to store cursor %q: %w", key, err)
	}
	return nil
}
