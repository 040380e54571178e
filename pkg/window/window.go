// Package window maintains per-metric sliding event-count windows, the
// primitive behind every alert decision. A window holds the occurrences of
// matching events inside the last W seconds; recording is idempotent per
// (metric, occurrence) so that replaying a batch after a crash cannot
// double-count.
//
// Two real backends exist: Redis sorted sets for speed and a durable SQL
// table for when Redis is down. The Failover adapter routes between them,
// switching transparently on the first transient error and probing for
// recovery, so the engine never stops counting during an outage. Eviction is
// lazy: each Record prunes entries strictly older than the window start, and
// the Redis keys additionally carry a TTL safety margin.
package window

import (
	"context"
	"time"
)

// Store is one window backend. Count covers the closed interval
// [now-window, now]; an event exactly at the window start still counts.
type Store interface {
	// Record notes one occurrence (the event id) for a metric at ts and
	// prunes entries older than the window. Re-recording the same occurrence
	// is a no-op.
	Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error
	// Count returns how many occurrences lie inside [now-window, now].
	Count(ctx context.Context, metricID int64, now time.Time, window time.Duration) (int64, error)
	// Clear drops one metric's window.
	Clear(ctx context.Context, metricID int64) error
	// ClearAll drops every window and reports how many metrics had one.
	ClearAll(ctx context.Context) (int64, error)
	// Stats describes the backend's current window contents.
	Stats(ctx context.Context) (BackendStats, error)
	// Name identifies the backend ("redis", "sql", "memory").
	Name() string
}

// BackendReporter is implemented by stores that route between backends and
// can say which one is live.
type BackendReporter interface {
	Backend() (name string, primaryHealthy bool)
}

// BackendStats is a per-metric snapshot of one backend.
type BackendStats struct {
	Backend string                       `json:"backend"`
	Metrics map[int64]MetricWindowStats `json:"metrics"`
}

// MetricWindowStats describes one metric's window. TTL carries Redis key
// expiry where applicable and is zero for backends that do not expire.
type MetricWindowStats struct {
	Entries int64         `json:"entries"`
	TTL     time.Duration `json:"ttl"`
}
