package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/window"
)

// Outcome reports what a single evaluation did.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeTriggered
	OutcomeResolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTriggered:
		return "triggered"
	case OutcomeResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Evaluator applies the threshold state machine to one metric at a time.
// A trigger requires the count to strictly exceed the threshold while the
// metric is inactive; a resolve requires the count back at or below the
// threshold while the metric is active. Anything else is a no-op, which is
// what makes repeated evaluation of an unchanged window idempotent.
type Evaluator struct {
	windows   window.Store
	metrics   metric.Store
	history   HistoryStore
	anomalies AnomalyLedger
	logger    *slog.Logger
}

func NewEvaluator(windows window.Store, metrics metric.Store, history HistoryStore, anomalies AnomalyLedger) *Evaluator {
	return &Evaluator{
		windows:   windows,
		metrics:   metrics,
		history:   history,
		anomalies: anomalies,
		logger:    slog.Default().With("component", "evaluator"),
	}
}

// Evaluate counts the metric's window as of now and applies at most one
// transition. The spec's IsActive must reflect current persisted state;
// callers should fetch specs fresh rather than hold them across ticks.
//
// A transition runs history append, then the active flag, then the anomaly
// row. A failure partway leaves the earlier writes in place; the next
// evaluation repeats the transition, so duplicate history rows are possible
// but a transition is never lost.
func (e *Evaluator) Evaluate(ctx context.Context, spec metric.Spec, now time.Time) (Outcome, error) {
	count, err := e.windows.Count(ctx, spec.ID, now, spec.Window())
	if err != nil {
		return OutcomeNone, fmt.Errorf("alerting: failed to count window for metric %q: %w", spec.Name, err)
	}

	switch {
	case count > spec.Threshold && !spec.IsActive:
		return e.trigger(ctx, spec, count, now)
	case count <= spec.Threshold && spec.IsActive:
		return e.resolve(ctx, spec, count, now)
	}
	return OutcomeNone, nil
}

func (e *Evaluator) trigger(ctx context.Context, spec metric.Spec, count int64, now time.Time) (Outcome, error) {
	msg := fmt.Sprintf("ALERT TRIGGERED: %s - Count %d exceeds threshold %d", spec.Name, count, spec.Threshold)

	if _, err := e.history.Append(ctx, HistoryRecord{
		MetricID:   spec.ID,
		MetricName: spec.Name,
		Action:     ActionTriggered,
		Count:      count,
		Threshold:  spec.Threshold,
		Severity:   spec.Severity,
		Message:    msg,
	}); err != nil {
		return OutcomeNone, err
	}

	if err := e.metrics.SetActive(ctx, spec.ID, true); err != nil {
		return OutcomeNone, fmt.Errorf("alerting: failed to activate metric %q: %w", spec.Name, err)
	}

	alertCount, err := e.history.CountTriggered(ctx, spec.ID)
	if err != nil {
		return OutcomeNone, err
	}
	if err := e.anomalies.RecordTrigger(ctx, spec, now, alertCount); err != nil {
		return OutcomeNone, err
	}

	e.logger.Warn("alert triggered",
		"metric", spec.Name,
		"count", count,
		"threshold", spec.Threshold,
		"severity", spec.Severity)
	return OutcomeTriggered, nil
}

func (e *Evaluator) resolve(ctx context.Context, spec metric.Spec, count int64, now time.Time) (Outcome, error) {
	msg := fmt.Sprintf("ALERT RESOLVED: %s - Count %d now below threshold %d", spec.Name, count, spec.Threshold)

	if _, err := e.history.Append(ctx, HistoryRecord{
		MetricID:   spec.ID,
		MetricName: spec.Name,
		Action:     ActionResolved,
		Count:      count,
		Threshold:  spec.Threshold,
		Severity:   spec.Severity,
		Message:    msg,
	}); err != nil {
		return OutcomeNone, err
	}

	if err := e.metrics.SetActive(ctx, spec.ID, false); err != nil {
		return OutcomeNone, fmt.Errorf("alerting: failed to deactivate metric %q: %w", spec.Name, err)
	}

	if err := e.anomalies.RecordResolve(ctx, spec, now); err != nil {
		return OutcomeNone, err
	}

	e.logger.Info("alert resolved",
		"metric", spec.Name,
		"count", count,
		"threshold", spec.Threshold)
	return OutcomeResolved, nil
}
