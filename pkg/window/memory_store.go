package window

import (
	"context"
	"sync"
	"time"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

// MemoryStore keeps windows in process memory. Tests use it for determinism;
// it also serves as a last-resort fallback when no durable store is wired.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[int64]map[string]float64 // metric id -> occurrence -> unix seconds
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[int64]map[string]float64)}
}

func (m *MemoryStore) Record(_ context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error {
	sec := sqldb.UnixSeconds(ts)
	cutoff := sqldb.UnixSeconds(ts.Add(-window))

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[metricID]
	if w == nil {
		w = make(map[string]float64)
		m.windows[metricID] = w
	}
	w[occurrence] = sec
	for occ, at := range w {
		if at < cutoff {
			delete(w, occ)
		}
	}
	return nil
}

func (m *MemoryStore) Count(_ context.Context, metricID int64, now time.Time, window time.Duration) (int64, error) {
	hi := sqldb.UnixSeconds(now)
	lo := sqldb.UnixSeconds(now.Add(-window))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, at := range m.windows[metricID] {
		if at >= lo && at <= hi {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Clear(_ context.Context, metricID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, metricID)
	return nil
}

func (m *MemoryStore) ClearAll(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.windows))
	m.windows = make(map[int64]map[string]float64)
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (BackendStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := BackendStats{Backend: m.Name(), Metrics: make(map[int64]MetricWindowStats, len(m.windows))}
	for id, w := range m.windows {
		stats.Metrics[id] = MetricWindowStats{Entries: int64(len(w))}
	}
	return stats, nil
}

func (m *MemoryStore) Name() string { return "memory" }
