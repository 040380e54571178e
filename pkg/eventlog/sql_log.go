package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

const defaultFetchLimit = 100

// SQLLog stores events in the events table. It runs unchanged on PostgreSQL
// and SQLite; timestamps are REAL unix seconds (see sqldb).
type SQLLog struct {
	db      *sql.DB
	dialect sqldb.Dialect
	clock   sqldb.Clock
	logger  *slog.Logger
}

var _ Log = (*SQLLog)(nil)

func NewSQLLog(db *sql.DB, dialect sqldb.Dialect) *SQLLog {
	return &SQLLog{
		db:      db,
		dialect: dialect,
		clock:   sqldb.WallClock{},
		logger:  slog.Default().With("component", "eventlog"),
	}
}

// WithClock replaces the append timestamp source.
func (l *SQLLog) WithClock(c sqldb.Clock) *SQLLog {
	l.clock = c
	return l
}

// Init creates the schema if it does not exist.
func (l *SQLLog) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS events (
	id %s,
	category TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_category_created ON events (category, created_at);
`, l.dialect.SerialPK())
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog: failed to init schema: %w", err)
	}
	return nil
}

func (l *SQLLog) Append(ctx context.Context, category string, payload map[string]any) (Event, error) {
	if category == "" {
		return Event{}, ErrEmptyCategory
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: failed to encode payload: %w", err)
	}
	now := l.clock.Now()

	var id int64
	err = l.db.QueryRowContext(ctx,
		`INSERT INTO events (category, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		category, string(raw), sqldb.UnixSeconds(now),
	).Scan(&id)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: failed to append event: %w", err)
	}
	return Event{ID: id, Category: category, Payload: payload, CreatedAt: now.UTC()}, nil
}

func (l *SQLLog) FetchSince(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, category, payload, created_at FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to fetch events after %d: %w", afterID, err)
	}
	defer func() { _ = rows.Close() }()
	return l.scanAll(rows)
}

func (l *SQLLog) GetByID(ctx context.Context, id int64) (Event, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, category, payload, created_at FROM events WHERE id = $1`, id,
	)
	ev, err := l.scanOne(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("eventlog: failed to get event %d: %w", id, err)
	}
	return ev, nil
}

func (l *SQLLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("eventlog: failed to count events: %w", err)
	}
	return n, nil
}

func (l *SQLLog) CountInRange(ctx context.Context, category string, from, to time.Time) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE category = $1 AND created_at >= $2 AND created_at <= $3`,
		category, sqldb.UnixSeconds(from), sqldb.UnixSeconds(to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventlog: failed to count %s events: %w", category, err)
	}
	return n, nil
}

func (l *SQLLog) FetchRange(ctx context.Context, category string, from, to time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, category, payload, created_at FROM events
		 WHERE category = $1 AND created_at >= $2 AND created_at <= $3
		 ORDER BY id ASC LIMIT $4`,
		category, sqldb.UnixSeconds(from), sqldb.UnixSeconds(to), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to fetch %s events: %w", category, err)
	}
	defer func() { _ = rows.Close() }()
	return l.scanAll(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOne decodes a single row. A payload that no longer decodes (only
// possible when something other than Append wrote the row) is logged and
// yields a nil map rather than wedging every reader of the stream; filters
// treat the missing keys as non-matching.
func (l *SQLLog) scanOne(row rowScanner) (Event, error) {
	var (
		ev      Event
		raw     string
		created float64
	)
	if err := row.Scan(&ev.ID, &ev.Category, &raw, &created); err != nil {
		return Event{}, err
	}
	ev.CreatedAt = sqldb.FromUnixSeconds(created)
	if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
		l.logger.Warn("undecodable event payload", "event_id", ev.ID, "error", err)
		ev.Payload = nil
	}
	return ev, nil
}

func (l *SQLLog) scanAll(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		ev, err := l.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: failed to iterate events: %w", err)
	}
	return events, nil
}
