// Package metric stores alert metric definitions: which event category to
// watch, an optional payload filter, and the count-over-window threshold that
// flips the alert. The is_active flag is the persisted alert state the
// evaluator reads for hysteresis; it is owned by SetActive and survives
// restarts.
package metric

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a metric id or name does not exist.
var ErrNotFound = errors.New("metric: not found")

// Severity ranks a metric's alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Spec defines one alert metric.
type Spec struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	EventCategory string    `json:"event_category"`
	FilterJSON    string    `json:"filter_json"`
	Threshold     int64     `json:"threshold"`
	WindowSeconds int64     `json:"window_seconds"`
	Severity      Severity  `json:"severity"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Window returns the sliding window as a duration.
func (s Spec) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

// Store is the durable metric catalog. Create assigns the id and timestamps
// and starts the metric inactive. Update never touches IsActive: alert state
// belongs to SetActive alone, so edits to thresholds cannot silently clear a
// firing alert.
type Store interface {
	Create(ctx context.Context, spec Spec) (Spec, error)
	Update(ctx context.Context, spec Spec) (Spec, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (Spec, error)
	GetByName(ctx context.Context, name string) (Spec, error)
	List(ctx context.Context) ([]Spec, error)
	ListByCategory(ctx context.Context, category string) ([]Spec, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Count(ctx context.Context) (int64, error)
}
