package window

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

// SQLStore is the durable window backend. Row identity is
// (metric_id, occurrence), which makes Record an idempotent upsert; pruning
// rides along on every Record the way the Redis script does it.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS metric_windows (
	metric_id BIGINT NOT NULL,
	occurrence TEXT NOT NULL,
	event_ts REAL NOT NULL,
	PRIMARY KEY (metric_id, occurrence)
);
CREATE INDEX IF NOT EXISTS idx_metric_windows_ts ON metric_windows (metric_id, event_ts);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("window: failed to init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_windows (metric_id, occurrence, event_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (metric_id, occurrence) DO UPDATE SET event_ts = excluded.event_ts`,
		metricID, occurrence, sqldb.UnixSeconds(ts),
	)
	if err != nil {
		return fmt.Errorf("window: sql record for metric %d failed: %w", metricID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM metric_windows WHERE metric_id = $1 AND event_ts < $2`,
		metricID, sqldb.UnixSeconds(ts.Add(-window)),
	)
	if err != nil {
		return fmt.Errorf("window: sql prune for metric %d failed: %w", metricID, err)
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context, metricID int64, now time.Time, window time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metric_windows WHERE metric_id = $1 AND event_ts >= $2 AND event_ts <= $3`,
		metricID, sqldb.UnixSeconds(now.Add(-window)), sqldb.UnixSeconds(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("window: sql count for metric %d failed: %w", metricID, err)
	}
	return n, nil
}

func (s *SQLStore) Clear(ctx context.Context, metricID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM metric_windows WHERE metric_id = $1`, metricID); err != nil {
		return fmt.Errorf("window: sql clear for metric %d failed: %w", metricID, err)
	}
	return nil
}

func (s *SQLStore) ClearAll(ctx context.Context) (int64, error) {
	var metrics int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT metric_id) FROM metric_windows`).Scan(&metrics); err != nil {
		return 0, fmt.Errorf("window: sql clear all failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metric_windows`); err != nil {
		return 0, fmt.Errorf("window: sql clear all failed: %w", err)
	}
	return metrics, nil
}

func (s *SQLStore) Stats(ctx context.Context) (BackendStats, error) {
	stats := BackendStats{Backend: s.Name(), Metrics: make(map[int64]MetricWindowStats)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_id, COUNT(*) FROM metric_windows GROUP BY metric_id`)
	if err != nil {
		return stats, fmt.Errorf("window: sql stats failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id int64
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return stats, fmt.Errorf("window: sql stats scan failed: %w", err)
		}
		stats.Metrics[id] = MetricWindowStats{Entries: n}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("window: sql stats failed: %w", err)
	}
	return stats, nil
}

func (s *SQLStore) Name() string { return "sql" }
