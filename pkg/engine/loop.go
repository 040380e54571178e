// Package engine polls the event log and drives matching, window counting,
// and alert evaluation. One cursor row marks the last fully-processed event;
// the loop resumes from it after a restart and window recording is idempotent
// per event id, so replaying a suffix of the stream after a crash converges
// on the same state instead of double-counting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/signalfold/pulse/core/pkg/alerting"
	"github.com/signalfold/pulse/core/pkg/eventlog"
	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/observability"
	"github.com/signalfold/pulse/core/pkg/predicate"
	"github.com/signalfold/pulse/core/pkg/sqldb"
	"github.com/signalfold/pulse/core/pkg/window"
)

// EventCursorKey is the cursor row the loop advances. External tools read it
// to see how far a (possibly remote) engine has processed the stream.
const EventCursorKey = "last_processed_id"

const (
	defaultTickInterval = 5 * time.Second
	defaultBatchSize    = 100
	defaultStopTimeout  = 5 * time.Second
	cursorFlushTimeout  = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrNotRunning     = errors.New("engine: not running")
)

// Status is a point-in-time snapshot of the loop.
type Status struct {
	Running         bool          `json:"running"`
	Cursor          int64         `json:"cursor"`
	TickInterval    time.Duration `json:"tick_interval"`
	BatchSize       int           `json:"batch_size"`
	Ticks           int64         `json:"ticks"`
	EventsProcessed int64         `json:"events_processed"`
	AlertsTriggered int64         `json:"alerts_triggered"`
	AlertsResolved  int64         `json:"alerts_resolved"`
	LastTickAt      time.Time     `json:"last_tick_at,omitempty"`
}

// Loop is the resumable poller. It ticks on an interval, fetches at most one
// batch of events past the cursor, and runs every matching metric through
// the evaluator. A metric failure is isolated from its siblings but stops
// the batch at that event, so the cursor never passes work that did not
// finish.
type Loop struct {
	events  eventlog.Log
	metrics metric.Store
	windows window.Store
	eval    *alerting.Evaluator
	cursors CursorStore

	tick        time.Duration
	batch       int
	stopTimeout time.Duration
	clock       sqldb.Clock
	obs         *observability.Provider
	logger      *slog.Logger

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	cursor       int64
	cursorLoaded bool
	ticks        int64
	processed    int64
	triggered    int64
	resolved     int64
	lastTickAt   time.Time

	// touched only by the run goroutine
	lastBackend string
}

func NewLoop(events eventlog.Log, metrics metric.Store, windows window.Store, eval *alerting.Evaluator, cursors CursorStore) *Loop {
	return &Loop{
		events:      events,
		metrics:     metrics,
		windows:     windows,
		eval:        eval,
		cursors:     cursors,
		tick:        defaultTickInterval,
		batch:       defaultBatchSize,
		stopTimeout: defaultStopTimeout,
		clock:       sqldb.WallClock{},
		logger:      slog.Default().With("component", "engine"),
	}
}

// WithTickInterval overrides the poll interval.
func (l *Loop) WithTickInterval(d time.Duration) *Loop {
	if d > 0 {
		l.tick = d
	}
	return l
}

// WithBatchSize overrides how many events one tick may fetch.
func (l *Loop) WithBatchSize(n int) *Loop {
	if n > 0 {
		l.batch = n
	}
	return l
}

// WithStopTimeout overrides how long Stop waits for the in-flight tick.
func (l *Loop) WithStopTimeout(d time.Duration) *Loop {
	if d > 0 {
		l.stopTimeout = d
	}
	return l
}

// WithClock overrides the wall clock, for tests.
func (l *Loop) WithClock(c sqldb.Clock) *Loop {
	l.clock = c
	return l
}

// WithObservability attaches telemetry. A nil provider disables it.
func (l *Loop) WithObservability(p *observability.Provider) *Loop {
	l.obs = p
	return l
}

// Start loads the cursor and launches the poll goroutine. The loop inherits
// ctx: cancelling it winds the loop down just like Stop.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.ensureCursor(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go l.run(runCtx, done)

	l.logger.Info("engine started",
		"cursor", l.cursor,
		"tick_interval", l.tick,
		"batch_size", l.batch)
	return nil
}

// Stop cancels the loop and blocks until the in-flight tick has observed the
// cancellation, up to the stop timeout.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("engine: loop did not stop within %s", l.stopTimeout)
	}
}

// Status reports the loop's counters and position.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Running:         l.cancel != nil,
		Cursor:          l.cursor,
		TickInterval:    l.tick,
		BatchSize:       l.batch,
		Ticks:           l.ticks,
		EventsProcessed: l.processed,
		AlertsTriggered: l.triggered,
		AlertsResolved:  l.resolved,
		LastTickAt:      l.lastTickAt,
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		l.runTick(ctx)
		select {
		case <-ctx.Done():
			l.flushCursor(ctx)
			l.logger.Info("engine stopped", "cursor", l.cursorValue())
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	processed, err := l.processBatch(ctx)
	if err != nil && !canceled(err) {
		l.logger.Error("tick failed", "error", err)
	}

	l.obs.RecordTickDuration(ctx, time.Since(start))
	if processed > 0 {
		l.obs.RecordEventsProcessed(ctx, processed)
	}
	l.noteBackend(ctx)

	l.mu.Lock()
	l.ticks++
	l.lastTickAt = l.clock.Now()
	l.mu.Unlock()
}

// ensureCursor loads the durable cursor once per process.
func (l *Loop) ensureCursor(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursorLoaded {
		return nil
	}
	cursor, err := l.cursors.Load(ctx, EventCursorKey)
	if err != nil {
		return err
	}
	l.cursor = cursor
	l.cursorLoaded = true
	return nil
}

// processBatch fetches one batch past the cursor and processes events in
// order. The cursor advances past an event only when every matching metric
// finished; the first event that fails ends the batch so it is retried on
// the next tick.
func (l *Loop) processBatch(ctx context.Context) (int64, error) {
	if err := l.ensureCursor(ctx); err != nil {
		return 0, err
	}
	events, err := l.events.FetchSince(ctx, l.cursorValue(), l.batch)
	if err != nil {
		return 0, fmt.Errorf("engine: failed to fetch events: %w", err)
	}

	var processed int64
	advanced := false
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if err := l.processEvent(ctx, ev); err != nil {
			if !canceled(err) {
				l.logger.Error("event halted batch",
					"event_id", ev.ID,
					"category", ev.Category,
					"error", err)
			}
			break
		}
		l.setCursor(ev.ID)
		advanced = true
		processed++
	}

	if advanced {
		l.persistCursor(ctx)
	}
	return processed, nil
}

func (l *Loop) processEvent(ctx context.Context, ev eventlog.Event) error {
	specs, err := l.metrics.ListByCategory(ctx, ev.Category)
	if err != nil {
		return fmt.Errorf("engine: failed to list metrics for category %q: %w", ev.Category, err)
	}

	var firstErr error
	for _, spec := range specs {
		if err := l.applyMetric(ctx, spec, ev); err != nil {
			if canceled(err) {
				return err
			}
			l.logger.Error("metric evaluation failed",
				"metric", spec.Name,
				"event_id", ev.ID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Loop) applyMetric(ctx context.Context, spec metric.Spec, ev eventlog.Event) error {
	if !predicate.MatchJSON(spec.FilterJSON, ev.Payload) {
		return nil
	}

	occurrence := strconv.FormatInt(ev.ID, 10)
	if err := l.windows.Record(ctx, spec.ID, occurrence, ev.CreatedAt, spec.Window()); err != nil {
		return fmt.Errorf("engine: failed to record occurrence for metric %q: %w", spec.Name, err)
	}

	outcome, err := l.eval.Evaluate(ctx, spec, l.clock.Now())
	if err != nil {
		if errors.Is(err, metric.ErrNotFound) {
			// Deleted between listing and evaluation; nothing left to retry.
			l.logger.Warn("metric vanished during evaluation", "metric", spec.Name)
			return nil
		}
		return err
	}

	l.mu.Lock()
	switch outcome {
	case alerting.OutcomeTriggered:
		l.triggered++
	case alerting.OutcomeResolved:
		l.resolved++
	}
	l.mu.Unlock()
	if outcome != alerting.OutcomeNone {
		l.obs.RecordTransition(ctx, outcome.String(), string(spec.Severity))
	}
	return nil
}

// noteBackend watches the window backend for failover transitions so they
// show up in telemetry even though the failover itself lives a layer down.
func (l *Loop) noteBackend(ctx context.Context) {
	reporter, ok := l.windows.(window.BackendReporter)
	if !ok {
		return
	}
	name, _ := reporter.Backend()
	if l.lastBackend != "" && name != l.lastBackend {
		l.obs.RecordFailover(ctx, name)
		l.logger.Debug("window backend changed", "backend", name)
	}
	l.lastBackend = name
}

func (l *Loop) cursorValue() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

func (l *Loop) setCursor(v int64) {
	l.mu.Lock()
	l.cursor = v
	l.mu.Unlock()
}

// persistCursor writes the in-memory cursor through. A failed write is
// tolerated: the in-memory value keeps the process from re-reading events,
// and the durable row catches up on the next successful write. Only a crash
// in between replays a suffix, which window idempotence absorbs.
func (l *Loop) persistCursor(ctx context.Context) {
	cursor := l.cursorValue()
	if err := l.cursors.Store(ctx, EventCursorKey, cursor); err != nil {
		l.logger.Warn("cursor persist failed, continuing from memory",
			"cursor", cursor,
			"error", err)
	}
}

// flushCursor makes a last persist attempt on shutdown with a context that
// survives the loop's cancellation.
func (l *Loop) flushCursor(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorFlushTimeout)
	defer cancel()
	l.persistCursor(flushCtx)
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
