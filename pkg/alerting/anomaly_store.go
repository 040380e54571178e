package alerting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/sqldb"
)

// ErrNoRecord is returned when a metric has no anomaly row.
var ErrNoRecord = errors.New("alerting: anomaly record not found")

// SQLAnomalyLedger keeps one lifecycle row per metric. Triggers upsert the
// row; DetectedAt only resets when the previous episode was resolved, so a
// still-active anomaly keeps its original detection time across repeated
// triggers.
type SQLAnomalyLedger struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

func NewSQLAnomalyLedger(db *sql.DB, dialect sqldb.Dialect) *SQLAnomalyLedger {
	return &SQLAnomalyLedger{db: db, dialect: dialect}
}

// Init creates the anomaly_history table if it does not exist.
func (s *SQLAnomalyLedger) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS anomaly_history (
		metric_id BIGINT PRIMARY KEY,
		metric_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		current_status TEXT NOT NULL,
		detected_at REAL NOT NULL,
		last_seen_at REAL NOT NULL,
		last_resolved_at REAL,
		alert_count BIGINT NOT NULL DEFAULT 0,
		updated_at REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anomaly_history_status ON anomaly_history (current_status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("alerting: failed to initialize anomaly schema: %w", err)
	}
	return nil
}

// RecordTrigger upserts the metric's row into the active state. LastSeenAt
// and AlertCount always move; DetectedAt resets only when the prior episode
// had resolved.
func (s *SQLAnomalyLedger) RecordTrigger(ctx context.Context, spec metric.Spec, now time.Time, alertCount int64) error {
	ts := sqldb.UnixSeconds(now.UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_history (metric_id, metric_name, severity, current_status, detected_at, last_seen_at, last_resolved_at, alert_count, updated_at)
		VALUES ($1, $2, $3, 'active', $4, $5, NULL, $6, $7)
		ON CONFLICT (metric_id) DO UPDATE SET
			metric_name = excluded.metric_name,
			severity = excluded.severity,
			current_status = 'active',
			detected_at = CASE WHEN anomaly_history.current_status = 'resolved'
				THEN excluded.detected_at
				ELSE anomaly_history.detected_at END,
			last_seen_at = excluded.last_seen_at,
			alert_count = excluded.alert_count,
			updated_at = excluded.updated_at`,
		spec.ID, spec.Name, string(spec.Severity), ts, ts, alertCount, ts)
	if err != nil {
		return fmt.Errorf("alerting: failed to record trigger for metric %d: %w", spec.ID, err)
	}
	return nil
}

// RecordResolve moves the metric's row to resolved and stamps
// LastResolvedAt. Resolving a metric with no row is a no-op.
func (s *SQLAnomalyLedger) RecordResolve(ctx context.Context, spec metric.Spec, now time.Time) error {
	ts := sqldb.UnixSeconds(now.UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE anomaly_history
		SET current_status = 'resolved', last_resolved_at = $1, updated_at = $2
		WHERE metric_id = $3`,
		ts, ts, spec.ID)
	if err != nil {
		return fmt.Errorf("alerting: failed to record resolve for metric %d: %w", spec.ID, err)
	}
	return nil
}

// Get returns the anomaly row for one metric.
func (s *SQLAnomalyLedger) Get(ctx context.Context, metricID int64) (AnomalyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT metric_id, metric_name, severity, current_status, detected_at, last_seen_at, last_resolved_at, alert_count, updated_at
		FROM anomaly_history
		WHERE metric_id = $1`, metricID)

	rec, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AnomalyRecord{}, ErrNoRecord
	}
	if err != nil {
		return AnomalyRecord{}, fmt.Errorf("alerting: failed to get anomaly for metric %d: %w", metricID, err)
	}
	return rec, nil
}

// List returns anomaly rows newest-activity first. An empty status returns
// every row.
func (s *SQLAnomalyLedger) List(ctx context.Context, status AnomalyStatus) ([]AnomalyRecord, error) {
	query := `
		SELECT metric_id, metric_name, severity, current_status, detected_at, last_seen_at, last_resolved_at, alert_count, updated_at
		FROM anomaly_history`
	args := []any{}
	if status != "" {
		query += ` WHERE current_status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("alerting: failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var records []AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("alerting: failed to scan anomaly record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Summary counts active, active-critical, and resolved-today rows in one
// pass. "Today" is the UTC calendar day containing now.
func (s *SQLAnomalyLedger) Summary(ctx context.Context, now time.Time) (Summary, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	dayStart := sqldb.UnixSeconds(day)
	dayEnd := sqldb.UnixSeconds(day.Add(24 * time.Hour))

	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN current_status = 'active' THEN 1 END),
			COUNT(CASE WHEN current_status = 'active' AND severity = 'critical' THEN 1 END),
			COUNT(CASE WHEN current_status = 'resolved' AND last_resolved_at >= $1 AND last_resolved_at < $2 THEN 1 END)
		FROM anomaly_history`,
		dayStart, dayEnd).Scan(&sum.Active, &sum.Critical, &sum.ResolvedToday)
	if err != nil {
		return Summary{}, fmt.Errorf("alerting: failed to summarize anomalies: %w", err)
	}
	return sum, nil
}

// Delete removes the metric's anomaly row. Deleting a missing row is a
// no-op so callers can cascade deletes unconditionally.
func (s *SQLAnomalyLedger) Delete(ctx context.Context, metricID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM anomaly_history WHERE metric_id = $1`, metricID); err != nil {
		return fmt.Errorf("alerting: failed to delete anomaly for metric %d: %w", metricID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (AnomalyRecord, error) {
	var (
		rec        AnomalyRecord
		severity   string
		status     string
		detectedAt float64
		lastSeenAt float64
		resolvedAt sql.NullFloat64
		updatedAt  float64
	)
	err := row.Scan(&rec.MetricID, &rec.MetricName, &severity, &status,
		&detectedAt, &lastSeenAt, &resolvedAt, &rec.AlertCount, &updatedAt)
	if err != nil {
		return AnomalyRecord{}, err
	}
	rec.Severity = metric.Severity(severity)
	rec.Status = AnomalyStatus(status)
	rec.DetectedAt = sqldb.FromUnixSeconds(detectedAt)
	rec.LastSeenAt = sqldb.FromUnixSeconds(lastSeenAt)
	if resolvedAt.Valid {
		t := sqldb.FromUnixSeconds(resolvedAt.Float64)
		rec.LastResolvedAt = &t
	}
	rec.UpdatedAt = sqldb.FromUnixSeconds(updatedAt)
	return rec, nil
}
