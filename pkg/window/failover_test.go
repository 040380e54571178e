package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("connection refused")

// flakyStore wraps a MemoryStore and fails on demand, standing in for a
// Redis outage.
type flakyStore struct {
	*MemoryStore
	label string

	mu       sync.Mutex
	failWith error
	calls    int
}

func newFlakyStore(label string) *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore(), label: label}
}

func (f *flakyStore) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *flakyStore) failing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.failWith
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyStore) Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error {
	if err := f.failing(); err != nil {
		return err
	}
	return f.MemoryStore.Record(ctx, metricID, occurrence, ts, window)
}

func (f *flakyStore) Count(ctx context.Context, metricID int64, now time.Time, window time.Duration) (int64, error) {
	if err := f.failing(); err != nil {
		return 0, err
	}
	return f.MemoryStore.Count(ctx, metricID, now, window)
}

func (f *flakyStore) Clear(ctx context.Context, metricID int64) error {
	if err := f.failing(); err != nil {
		return err
	}
	return f.MemoryStore.Clear(ctx, metricID)
}

func (f *flakyStore) ClearAll(ctx context.Context) (int64, error) {
	if err := f.failing(); err != nil {
		return 0, err
	}
	return f.MemoryStore.ClearAll(ctx)
}

func (f *flakyStore) Stats(ctx context.Context) (BackendStats, error) {
	if err := f.failing(); err != nil {
		return BackendStats{}, err
	}
	stats, err := f.MemoryStore.Stats(ctx)
	stats.Backend = f.label
	return stats, err
}

func (f *flakyStore) Name() string { return f.label }

func TestFailoverRoutesToPrimaryWhileHealthy(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	f := NewFailover(primary, fallback)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.Record(ctx, 1, "ev-1", base, time.Minute))

	name, healthy := f.Backend()
	assert.Equal(t, "redis", name)
	assert.True(t, healthy)

	n, err := primary.MemoryStore.Count(ctx, 1, base, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = fallback.MemoryStore.Count(ctx, 1, base, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fallback untouched while primary is healthy")
}

func TestFailoverSwitchesOnPrimaryError(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	clock := &fakeClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	f := NewFailover(primary, fallback).WithProbeInterval(30 * time.Second).WithClock(clock)
	ctx := context.Background()
	base := clock.now

	require.NoError(t, f.Record(ctx, 1, "ev-1", base, time.Minute))

	// Outage: the failed operation itself is retried on the fallback.
	primary.setFailure(errBackendDown)
	require.NoError(t, f.Record(ctx, 1, "ev-2", base.Add(time.Second), time.Minute))

	name, healthy := f.Backend()
	assert.Equal(t, "sql", name)
	assert.False(t, healthy)

	// Counts continue, served from the fallback; pre-outage entries stay
	// behind on the primary until it recovers.
	n, err := f.Count(ctx, 1, base.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Within the probe interval the primary is left alone.
	before := primary.callCount()
	require.NoError(t, f.Record(ctx, 1, "ev-3", base.Add(2*time.Second), time.Minute))
	assert.Equal(t, before, primary.callCount())
}

func TestFailoverProbesAndRecovers(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	clock := &fakeClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	f := NewFailover(primary, fallback).WithProbeInterval(30 * time.Second).WithClock(clock)
	ctx := context.Background()
	base := clock.now

	primary.setFailure(errBackendDown)
	require.NoError(t, f.Record(ctx, 1, "ev-1", base, time.Minute))
	_, healthy := f.Backend()
	require.False(t, healthy)

	// Probe while still down: stays on the fallback, no flapping.
	clock.now = clock.now.Add(31 * time.Second)
	require.NoError(t, f.Record(ctx, 1, "ev-2", clock.now, time.Minute))
	_, healthy = f.Backend()
	assert.False(t, healthy)

	// Probe after recovery flips back.
	primary.setFailure(nil)
	clock.now = clock.now.Add(31 * time.Second)
	require.NoError(t, f.Record(ctx, 1, "ev-3", clock.now, time.Minute))
	name, healthy := f.Backend()
	assert.Equal(t, "redis", name)
	assert.True(t, healthy)
}

func TestFailoverBothBackendsDown(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	f := NewFailover(primary, fallback)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	primary.setFailure(errBackendDown)
	fallback.setFailure(errors.New("disk I/O error"))

	err := f.Record(ctx, 1, "ev-1", base, time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "disk I/O error")

	// The primary failure still flipped the route: once the fallback
	// recovers, operations serve from it without poking the primary.
	_, healthy := f.Backend()
	assert.False(t, healthy)
	fallback.setFailure(nil)
	before := primary.callCount()
	require.NoError(t, f.Record(ctx, 1, "ev-2", base.Add(time.Second), time.Minute))
	assert.Equal(t, before, primary.callCount())
}

func TestFailoverIgnoresContextCancellation(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	f := NewFailover(primary, fallback)
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	primary.setFailure(context.Canceled)
	err := f.Record(context.Background(), 1, "ev-1", base, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation is the caller's problem, not an outage.
	name, healthy := f.Backend()
	assert.Equal(t, "redis", name)
	assert.True(t, healthy)
	n, err := fallback.MemoryStore.Count(context.Background(), 1, base, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailoverClearAllWipesBothBackends(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	f := NewFailover(primary, fallback)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.Record(ctx, 1, "ev-1", base, time.Minute))

	// Fail over and accumulate divergent state on the fallback.
	primary.setFailure(errBackendDown)
	require.NoError(t, f.Record(ctx, 2, "ev-2", base, time.Minute))
	primary.setFailure(nil)

	cleared, err := f.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	n, err := primary.MemoryStore.Count(ctx, 1, base, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "primary wiped even while routed to fallback")
	n, err = fallback.MemoryStore.Count(ctx, 2, base, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailoverStatsReportLiveBackend(t *testing.T) {
	primary := newFlakyStore("redis")
	fallback := newFlakyStore("sql")
	f := NewFailover(primary, fallback)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.Record(ctx, 1, "ev-1", base, time.Minute))
	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", stats.Backend)

	primary.setFailure(errBackendDown)
	stats, err = f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sql", stats.Backend)
	assert.Equal(t, "sql", f.Name())
}
