package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfold/pulse/core/pkg/alerting"
	"github.com/signalfold/pulse/core/pkg/eventlog"
	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/sqldb"
	"github.com/signalfold/pulse/core/pkg/window"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyCursors can be told to reject writes, simulating a cursor table
// outage while the rest of the database keeps working.
type flakyCursors struct {
	inner *SQLCursorStore
	mu    sync.Mutex
	fail  bool
}

func (f *flakyCursors) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyCursors) Load(ctx context.Context, key string) (int64, error) {
	return f.inner.Load(ctx, key)
}

func (f *flakyCursors) Store(ctx context.Context, key string, value int64) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("cursor table unavailable")
	}
	return f.inner.Store(ctx, key, value)
}

// selectiveWindow fails Record for one metric id and delegates everything
// else, to exercise per-metric error isolation.
type selectiveWindow struct {
	*window.MemoryStore
	mu         sync.Mutex
	failMetric int64
}

func (s *selectiveWindow) setFailMetric(id int64) {
	s.mu.Lock()
	s.failMetric = id
	s.mu.Unlock()
}

func (s *selectiveWindow) Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, w time.Duration) error {
	s.mu.Lock()
	failMetric := s.failMetric
	s.mu.Unlock()
	if metricID == failMetric {
		return errors.New("window backend down")
	}
	return s.MemoryStore.Record(ctx, metricID, occurrence, ts, w)
}

// staleMetrics serves a spec listing captured before a concurrent delete,
// the way a batch sees metrics listed at its start.
type staleMetrics struct {
	*metric.SQLStore
	stale []metric.Spec
}

func (s *staleMetrics) ListByCategory(ctx context.Context, category string) ([]metric.Spec, error) {
	return s.stale, nil
}

type harness struct {
	db        *sql.DB
	clock     *fakeClock
	events    *eventlog.SQLLog
	metrics   *metric.SQLStore
	windows   *selectiveWindow
	history   *alerting.SQLHistoryStore
	anomalies *alerting.SQLAnomalyLedger
	cursors   *flakyCursors
	eval      *alerting.Evaluator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)}

	events := eventlog.NewSQLLog(db, sqldb.DialectSQLite).WithClock(clock)
	require.NoError(t, events.Init(ctx))

	metrics := metric.NewSQLStore(db, sqldb.DialectSQLite).WithClock(clock)
	require.NoError(t, metrics.Init(ctx))

	history := alerting.NewSQLHistoryStore(db, sqldb.DialectSQLite).WithClock(clock)
	require.NoError(t, history.Init(ctx))

	anomalies := alerting.NewSQLAnomalyLedger(db, sqldb.DialectSQLite)
	require.NoError(t, anomalies.Init(ctx))

	cursors := &flakyCursors{inner: NewSQLCursorStore(db)}
	require.NoError(t, cursors.inner.Init(ctx))

	windows := &selectiveWindow{MemoryStore: window.NewMemoryStore()}

	return &harness{
		db:        db,
		clock:     clock,
		events:    events,
		metrics:   metrics,
		windows:   windows,
		history:   history,
		anomalies: anomalies,
		cursors:   cursors,
		eval:      alerting.NewEvaluator(windows, metrics, history, anomalies),
	}
}

func (h *harness) newLoop() *Loop {
	return NewLoop(h.events, h.metrics, h.windows, h.eval, h.cursors).WithClock(h.clock)
}

func (h *harness) createMetric(t *testing.T, name string, threshold int64) metric.Spec {
	t.Helper()
	spec, err := h.metrics.Create(context.Background(), metric.Spec{
		Name:          name,
		EventCategory: "user_login",
		FilterJSON:    `{"status": "failed"}`,
		Threshold:     threshold,
		WindowSeconds: 60,
		Severity:      metric.SeverityHigh,
	})
	require.NoError(t, err)
	return spec
}

func (h *harness) pushLogin(t *testing.T, status string) eventlog.Event {
	t.Helper()
	ev, err := h.events.Append(context.Background(), "user_login", map[string]any{
		"status": status,
		"user":   "u-1",
	})
	require.NoError(t, err)
	return ev
}

func TestCursorStoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	value, err := h.cursors.Load(ctx, "last_processed_id")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	require.NoError(t, h.cursors.Store(ctx, "last_processed_id", 42))
	value, err = h.cursors.Load(ctx, "last_processed_id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)

	require.NoError(t, h.cursors.Store(ctx, "last_processed_id", 99))
	value, err = h.cursors.Load(ctx, "last_processed_id")
	require.NoError(t, err)
	assert.Equal(t, int64(99), value)
}

func TestBatchAdvancesCursorAndTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := h.createMetric(t, "failed-login-spike", 2)

	h.pushLogin(t, "failed")
	h.pushLogin(t, "ok")
	h.pushLogin(t, "failed")
	last := h.pushLogin(t, "failed")

	loop := h.newLoop()
	processed, err := loop.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), processed)
	assert.Equal(t, last.ID, loop.Status().Cursor)

	// Cursor was persisted, not just held in memory.
	stored, err := h.cursors.Load(ctx, "last_processed_id")
	require.NoError(t, err)
	assert.Equal(t, last.ID, stored)

	// Only failed logins entered the window; the third crossed the threshold.
	count, err := h.windows.Count(ctx, spec.ID, h.clock.Now(), spec.Window())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	fresh, err := h.metrics.Get(ctx, spec.ID)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)

	records, err := h.history.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, alerting.ActionTriggered, records[0].Action)
}

func TestReplayAfterLostCursorConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := h.createMetric(t, "failed-login-spike", 3)

	for i := 0; i < 4; i++ {
		h.pushLogin(t, "failed")
	}

	// First run: everything processes but the cursor write is rejected.
	h.cursors.setFail(true)
	first := h.newLoop()
	processed, err := first.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), processed)

	countBefore, err := h.windows.Count(ctx, spec.ID, h.clock.Now(), spec.Window())
	require.NoError(t, err)
	assert.Equal(t, int64(4), countBefore)

	// Crash and restart: the durable cursor still reads 0, so the whole
	// batch replays on a fresh loop.
	h.cursors.setFail(false)
	second := h.newLoop()
	processed, err = second.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), processed)

	// Replay converged instead of double-counting or re-alerting.
	countAfter, err := h.windows.Count(ctx, spec.ID, h.clock.Now(), spec.Window())
	require.NoError(t, err)
	assert.Equal(t, countBefore, countAfter)

	records, err := h.history.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	stored, err := h.cursors.Load(ctx, "last_processed_id")
	require.NoError(t, err)
	assert.Equal(t, second.Status().Cursor, stored)
	assert.Greater(t, stored, int64(0))
}

func TestMetricFailureIsolatesSiblingsAndHaltsBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	broken := h.createMetric(t, "failed-login-spike", 10)
	healthy := h.createMetric(t, "failed-login-watch", 10)

	h.pushLogin(t, "failed")
	h.pushLogin(t, "failed")

	h.windows.setFailMetric(broken.ID)
	loop := h.newLoop()
	processed, err := loop.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processed)

	// The healthy sibling still processed the event the batch died on.
	count, err := h.windows.Count(ctx, healthy.ID, h.clock.Now(), healthy.Window())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// But the cursor stayed put, so the event is retried.
	assert.Equal(t, int64(0), loop.Status().Cursor)

	// Backend recovers: the batch replays from the start and both metrics
	// converge without double-counting the sibling.
	h.windows.setFailMetric(0)
	processed, err = loop.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), processed)

	for _, spec := range []metric.Spec{broken, healthy} {
		count, err := h.windows.Count(ctx, spec.ID, h.clock.Now(), spec.Window())
		require.NoError(t, err)
		assert.Equal(t, int64(2), count, "metric %s", spec.Name)
	}
}

func TestMetricDeletedMidBatchIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := h.createMetric(t, "failed-login-spike", 0)

	ev := h.pushLogin(t, "failed")

	// Another actor deletes the metric after the batch listed it. The
	// evaluation hits a vanished row; the event must not be retried for it.
	stale := &staleMetrics{SQLStore: h.metrics, stale: []metric.Spec{spec}}
	require.NoError(t, h.metrics.Delete(ctx, spec.ID))

	loop := NewLoop(h.events, stale, h.windows, h.eval, h.cursors).WithClock(h.clock)
	processed, err := loop.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processed)
	assert.Equal(t, ev.ID, loop.Status().Cursor)
	assert.Zero(t, loop.Status().AlertsTriggered)
}

func TestPoisonPayloadDoesNotWedgeStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := h.createMetric(t, "failed-login-spike", 10)

	h.pushLogin(t, "failed")
	// Corrupt payload straight into the table; the log scans it as nil.
	_, err := h.db.ExecContext(ctx, `INSERT INTO events (category, payload, created_at) VALUES ('user_login', '{broken', 100.0)`)
	require.NoError(t, err)
	after := h.pushLogin(t, "failed")

	loop := h.newLoop()
	processed, err := loop.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), processed)
	assert.Equal(t, after.ID, loop.Status().Cursor)

	// The poison row matched nothing but did not stop its neighbors.
	count, err := h.windows.Count(ctx, spec.ID, h.clock.Now(), spec.Window())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	loop := h.newLoop().WithTickInterval(10 * time.Millisecond)
	require.NoError(t, loop.Start(ctx))
	assert.ErrorIs(t, loop.Start(ctx), ErrAlreadyRunning)
	assert.True(t, loop.Status().Running)

	deadline := time.Now().Add(2 * time.Second)
	for loop.Status().Ticks == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, loop.Status().Ticks, int64(0))

	require.NoError(t, loop.Stop(ctx))
	assert.False(t, loop.Status().Running)
	assert.ErrorIs(t, loop.Stop(ctx), ErrNotRunning)
}

func TestStartCancelledByParentContext(t *testing.T) {
	h := newHarness(t)

	runCtx, cancel := context.WithCancel(context.Background())
	loop := h.newLoop().WithTickInterval(10 * time.Millisecond)
	require.NoError(t, loop.Start(runCtx))

	cancel()

	// The loop observed the cancellation; Stop just joins it.
	require.NoError(t, loop.Stop(context.Background()))
}
