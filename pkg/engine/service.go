package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalfold/pulse/core/pkg/alerting"
	"github.com/signalfold/pulse/core/pkg/eventlog"
	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/observability"
	"github.com/signalfold/pulse/core/pkg/sqldb"
	"github.com/signalfold/pulse/core/pkg/window"
)

// Deps are the stores and loop a Service fronts. Redis and Obs are optional.
type Deps struct {
	Events    eventlog.Log
	Metrics   metric.Store
	Validator *metric.Validator
	Windows   window.Store
	History   alerting.HistoryStore
	Anomalies alerting.AnomalyLedger
	Loop      *Loop
	Redis     *redis.Client
	Obs       *observability.Provider
}

// Service is the single entry point callers use: event ingestion, metric
// CRUD, alert queries, and loop lifecycle. It owns no business rules beyond
// validation and delete cascades; everything else delegates.
type Service struct {
	events    eventlog.Log
	metrics   metric.Store
	validator *metric.Validator
	windows   window.Store
	history   alerting.HistoryStore
	anomalies alerting.AnomalyLedger
	loop      *Loop
	redis     *redis.Client
	obs       *observability.Provider
	clock     sqldb.Clock
	logger    *slog.Logger

	spikes spikeCache
}

func NewService(d Deps) *Service {
	return &Service{
		events:    d.Events,
		metrics:   d.Metrics,
		validator: d.Validator,
		windows:   d.Windows,
		history:   d.History,
		anomalies: d.Anomalies,
		loop:      d.Loop,
		redis:     d.Redis,
		obs:       d.Obs,
		clock:     sqldb.WallClock{},
		logger:    slog.Default().With("component", "service"),
	}
}

// WithClock overrides the wall clock, for tests.
func (s *Service) WithClock(c sqldb.Clock) *Service {
	s.clock = c
	return s
}

// PushEvent appends one event to the log. The loop picks it up on the next
// tick; ingestion never evaluates inline.
func (s *Service) PushEvent(ctx context.Context, category string, payload map[string]any) (eventlog.Event, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "pulse.push_event",
		observability.AttrEventCategory.String(category))
	ev, err := s.events.Append(ctx, category, payload)
	finish(err)
	return ev, err
}

// CreateMetric validates and stores a new metric spec.
func (s *Service) CreateMetric(ctx context.Context, spec metric.Spec) (metric.Spec, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "pulse.create_metric",
		observability.AttrMetricName.String(spec.Name),
		observability.AttrSeverity.String(string(spec.Severity)))
	created, err := s.createMetric(ctx, spec)
	finish(err)
	return created, err
}

func (s *Service) createMetric(ctx context.Context, spec metric.Spec) (metric.Spec, error) {
	if err := s.validator.Validate(spec); err != nil {
		return metric.Spec{}, err
	}
	return s.metrics.Create(ctx, spec)
}

// UpdateMetric validates and stores changed spec fields. The alert state
// flag is owned by the evaluator and survives any update.
func (s *Service) UpdateMetric(ctx context.Context, spec metric.Spec) (metric.Spec, error) {
	if err := s.validator.Validate(spec); err != nil {
		return metric.Spec{}, err
	}
	return s.metrics.Update(ctx, spec)
}

// DeleteMetric removes the spec and cascades into the window and anomaly
// state. Cascade failures are logged, not returned: the spec row is already
// gone and both cascades are safe to re-issue or to leave for expiry.
func (s *Service) DeleteMetric(ctx context.Context, id int64) error {
	if err := s.metrics.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.windows.Clear(ctx, id); err != nil {
		s.logger.Warn("failed to clear window for deleted metric", "metric_id", id, "error", err)
	}
	if err := s.anomalies.Delete(ctx, id); err != nil {
		s.logger.Warn("failed to delete anomaly for deleted metric", "metric_id", id, "error", err)
	}
	return nil
}

func (s *Service) GetMetric(ctx context.Context, id int64) (metric.Spec, error) {
	return s.metrics.Get(ctx, id)
}

func (s *Service) GetMetricByName(ctx context.Context, name string) (metric.Spec, error) {
	return s.metrics.GetByName(ctx, name)
}

func (s *Service) ListMetrics(ctx context.Context) ([]metric.Spec, error) {
	return s.metrics.List(ctx)
}

// ActiveAlert pairs an alerting metric with its live window count.
type ActiveAlert struct {
	Metric metric.Spec `json:"metric"`
	Count  int64       `json:"count"`
}

// ActiveAlerts returns every metric currently in the alerting state with its
// count as of now.
func (s *Service) ActiveAlerts(ctx context.Context) ([]ActiveAlert, error) {
	specs, err := s.metrics.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	alerts := make([]ActiveAlert, 0)
	for _, spec := range specs {
		if !spec.IsActive {
			continue
		}
		count, err := s.windows.Count(ctx, spec.ID, now, spec.Window())
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, ActiveAlert{Metric: spec, Count: count})
	}
	return alerts, nil
}

// AlertHistory returns the newest transitions first.
func (s *Service) AlertHistory(ctx context.Context, limit int) ([]alerting.HistoryRecord, error) {
	return s.history.Recent(ctx, limit)
}

// Anomalies returns lifecycle rows, optionally filtered by status.
func (s *Service) Anomalies(ctx context.Context, status alerting.AnomalyStatus) ([]alerting.AnomalyRecord, error) {
	return s.anomalies.List(ctx, status)
}

// AnomalySummary aggregates the anomaly table as of now.
func (s *Service) AnomalySummary(ctx context.Context) (alerting.Summary, error) {
	return s.anomalies.Summary(ctx, s.clock.Now())
}

// Start launches the engine loop.
func (s *Service) Start(ctx context.Context) error {
	return s.loop.Start(ctx)
}

// Stop winds the engine loop down.
func (s *Service) Stop(ctx context.Context) error {
	return s.loop.Stop(ctx)
}

// Status reports the loop's position and counters.
func (s *Service) Status() Status {
	return s.loop.Status()
}

// WindowStatus describes the live window backend and its contents.
type WindowStatus struct {
	Backend        string              `json:"backend"`
	PrimaryHealthy bool                `json:"primary_healthy"`
	Stats          window.BackendStats `json:"stats"`
}

// WindowBackendStats snapshots the active window backend.
func (s *Service) WindowBackendStats(ctx context.Context) (WindowStatus, error) {
	stats, err := s.windows.Stats(ctx)
	if err != nil {
		return WindowStatus{}, err
	}
	status := WindowStatus{
		Backend:        stats.Backend,
		PrimaryHealthy: true,
		Stats:          stats,
	}
	if reporter, ok := s.windows.(window.BackendReporter); ok {
		status.Backend, status.PrimaryHealthy = reporter.Backend()
	}
	return status, nil
}

// ClearAllWindows wipes every window on every backend and reports how many
// metrics had one.
func (s *Service) ClearAllWindows(ctx context.Context) (int64, error) {
	return s.windows.ClearAll(ctx)
}

// Stats is the operator-facing snapshot across all stores.
type Stats struct {
	Events         int64            `json:"events"`
	Metrics        int64            `json:"metrics"`
	ActiveAlerts   int64            `json:"active_alerts"`
	TotalTriggered int64            `json:"total_triggered"`
	Anomalies      alerting.Summary `json:"anomalies"`
	Engine         Status           `json:"engine"`
	WindowBackend  string           `json:"window_backend"`
	RedisAvailable bool             `json:"redis_available"`
}

// SystemStats aggregates counts from every store plus loop and backend
// health.
func (s *Service) SystemStats(ctx context.Context) (Stats, error) {
	events, err := s.events.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	metricCount, err := s.metrics.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	specs, err := s.metrics.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var active int64
	for _, spec := range specs {
		if spec.IsActive {
			active++
		}
	}
	triggered, err := s.history.CountAllTriggered(ctx)
	if err != nil {
		return Stats{}, err
	}
	summary, err := s.anomalies.Summary(ctx, s.clock.Now())
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Events:         events,
		Metrics:        metricCount,
		ActiveAlerts:   active,
		TotalTriggered: triggered,
		Anomalies:      summary,
		Engine:         s.loop.Status(),
		WindowBackend:  s.windows.Name(),
		RedisAvailable: s.redisAvailable(ctx),
	}
	if reporter, ok := s.windows.(window.BackendReporter); ok {
		stats.WindowBackend, _ = reporter.Backend()
	}
	return stats, nil
}

func (s *Service) redisAvailable(ctx context.Context) bool {
	if s.redis == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.redis.Ping(pingCtx).Err() == nil
}
