package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/sqldb"
)

const defaultRecentLimit = 50

// SQLHistoryStore persists transition records in SQL. Rows are append-only;
// nothing ever updates or deletes them, so the table doubles as an audit log.
type SQLHistoryStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	clock   sqldb.Clock
	logger  *slog.Logger
}

func NewSQLHistoryStore(db *sql.DB, dialect sqldb.Dialect) *SQLHistoryStore {
	return &SQLHistoryStore{
		db:      db,
		dialect: dialect,
		clock:   sqldb.WallClock{},
		logger:  slog.Default().With("component", "alert_history"),
	}
}

// WithClock overrides the wall clock, for tests.
func (s *SQLHistoryStore) WithClock(clock sqldb.Clock) *SQLHistoryStore {
	s.clock = clock
	return s
}

// Init creates the alert_history table if it does not exist.
func (s *SQLHistoryStore) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS alert_history (
		id %s,
		metric_id BIGINT NOT NULL,
		metric_name TEXT NOT NULL,
		action TEXT NOT NULL,
		event_count BIGINT NOT NULL,
		threshold BIGINT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_metric ON alert_history (metric_id, action);
	CREATE INDEX IF NOT EXISTS idx_alert_history_created_at ON alert_history (created_at);
	`, s.dialect.SerialPK())

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("alerting: failed to initialize history schema: %w", err)
	}
	return nil
}

// Append stores one transition and returns it with ID and CreatedAt set.
func (s *SQLHistoryStore) Append(ctx context.Context, rec HistoryRecord) (HistoryRecord, error) {
	rec.CreatedAt = s.clock.Now().UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_history (metric_id, metric_name, action, event_count, threshold, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.MetricID, rec.MetricName, string(rec.Action), rec.Count, rec.Threshold,
		string(rec.Severity), rec.Message, sqldb.UnixSeconds(rec.CreatedAt),
	).Scan(&rec.ID)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("alerting: failed to append history record: %w", err)
	}
	return rec, nil
}

// Recent returns the newest transitions first. A non-positive limit applies
// the default.
func (s *SQLHistoryStore) Recent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metric_id, metric_name, action, event_count, threshold, severity, message, created_at
		FROM alert_history
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("alerting: failed to query history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0, limit)
	for rows.Next() {
		var (
			rec       HistoryRecord
			action    string
			severity  string
			createdAt float64
		)
		if err := rows.Scan(&rec.ID, &rec.MetricID, &rec.MetricName, &action, &rec.Count,
			&rec.Threshold, &severity, &rec.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("alerting: failed to scan history record: %w", err)
		}
		rec.Action = Action(action)
		rec.Severity = metric.Severity(severity)
		rec.CreatedAt = sqldb.FromUnixSeconds(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountTriggered counts trigger transitions for one metric.
func (s *SQLHistoryStore) CountTriggered(ctx context.Context, metricID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_history WHERE metric_id = $1 AND action = $2`,
		metricID, string(ActionTriggered)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("alerting: failed to count triggers for metric %d: %w", metricID, err)
	}
	return n, nil
}

// CountAllTriggered counts trigger transitions across all metrics.
func (s *SQLHistoryStore) CountAllTriggered(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_history WHERE action = $1`,
		string(ActionTriggered)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("alerting: failed to count triggers: %w", err)
	}
	return n, nil
}
