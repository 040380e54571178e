// Package eventlog persists the append-only business event stream the
// alerting engine consumes. Events are opaque beyond a category and a JSON
// payload; ordering is the store-assigned id, which the engine cursor tracks.
package eventlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("eventlog: event not found")
	// ErrEmptyCategory rejects appends without a category.
	ErrEmptyCategory = errors.New("eventlog: category must not be empty")
)

// Event is one business fact pushed by a producer.
type Event struct {
	ID        int64          `json:"id"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log is the append-only event store. FetchSince is the poll source for the
// engine loop: events strictly after afterID, oldest first, at most limit.
// Ids are assigned monotonically by the store, so a non-decreasing cursor
// never sees the same event twice.
type Log interface {
	Append(ctx context.Context, category string, payload map[string]any) (Event, error)
	FetchSince(ctx context.Context, afterID int64, limit int) ([]Event, error)
	GetByID(ctx context.Context, id int64) (Event, error)
	Count(ctx context.Context) (int64, error)
	CountInRange(ctx context.Context, category string, from, to time.Time) (int64, error)
	FetchRange(ctx context.Context, category string, from, to time.Time, limit int) ([]Event, error)
}

