// Package alerting turns window counts into alert state. The evaluator runs
// a two-state machine per metric with hysteresis: a metric triggers when its
// count rises above the threshold and only re-arms after it has resolved, so
// a count hovering at the boundary cannot flap. Every transition appends an
// immutable history row and updates the per-metric anomaly lifecycle row.
package alerting

import (
	"context"
	"time"

	"github.com/signalfold/pulse/core/pkg/metric"
)

// Action labels a state transition in the history log.
type Action string

const (
	ActionTriggered Action = "triggered"
	ActionResolved  Action = "resolved"
)

// HistoryRecord is one immutable transition with the count and threshold at
// the moment it happened.
type HistoryRecord struct {
	ID         int64           `json:"id"`
	MetricID   int64           `json:"metric_id"`
	MetricName string          `json:"metric_name"`
	Action     Action          `json:"action"`
	Count      int64           `json:"count"`
	Threshold  int64           `json:"threshold"`
	Severity   metric.Severity `json:"severity"`
	Message    string          `json:"message"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HistoryStore is the append-only transition log.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) (HistoryRecord, error)
	Recent(ctx context.Context, limit int) ([]HistoryRecord, error)
	CountTriggered(ctx context.Context, metricID int64) (int64, error)
	CountAllTriggered(ctx context.Context) (int64, error)
}

// AnomalyStatus is the lifecycle state of a metric's anomaly row.
type AnomalyStatus string

const (
	StatusActive   AnomalyStatus = "active"
	StatusResolved AnomalyStatus = "resolved"
)

// AnomalyRecord is the one-row-per-metric lifecycle summary. DetectedAt marks
// the start of the current episode: it resets when a resolved metric triggers
// again, while LastSeenAt moves on every trigger.
type AnomalyRecord struct {
	MetricID       int64           `json:"metric_id"`
	MetricName     string          `json:"metric_name"`
	Severity       metric.Severity `json:"severity"`
	Status         AnomalyStatus   `json:"current_status"`
	DetectedAt     time.Time       `json:"detected_at"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
	LastResolvedAt *time.Time      `json:"last_resolved_at,omitempty"`
	AlertCount     int64           `json:"alert_count"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Summary aggregates the anomaly table for dashboards.
type Summary struct {
	Active        int64 `json:"active"`
	Critical      int64 `json:"critical"`
	ResolvedToday int64 `json:"resolved_today"`
}

// AnomalyLedger maintains the lifecycle rows.
type AnomalyLedger interface {
	RecordTrigger(ctx context.Context, spec metric.Spec, now time.Time, alertCount int64) error
	RecordResolve(ctx context.Context, spec metric.Spec, now time.Time) error
	Get(ctx context.Context, metricID int64) (AnomalyRecord, error)
	List(ctx context.Context, status AnomalyStatus) ([]AnomalyRecord, error)
	Summary(ctx context.Context, now time.Time) (Summary, error)
	Delete(ctx context.Context, metricID int64) error
}
