package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

// ErrUnavailable reports that an operation was tried against both backends
// and neither could serve it.
var ErrUnavailable = errors.New("window: no backend available")

const defaultProbeInterval = 30 * time.Second

// Failover routes window operations to a primary backend while it is
// healthy and to a fallback while it is not. The first transient primary
// error flips the route and logs one warning; after probeInterval the next
// operation doubles as a recovery probe. Counts recorded while on the
// fallback are not merged back to the primary on recovery, so the two
// backends can diverge for the duration of an outage.
//
// Context cancellation is the caller's doing, never the backend's fault, and
// does not flip the route.
type Failover struct {
	primary  Store
	fallback Store

	mu        sync.Mutex
	healthy   bool
	lastProbe time.Time

	probeInterval time.Duration
	clock         sqldb.Clock
	logger        *slog.Logger
}

var (
	_ Store           = (*Failover)(nil)
	_ BackendReporter = (*Failover)(nil)
)

func NewFailover(primary, fallback Store) *Failover {
	return &Failover{
		primary:       primary,
		fallback:      fallback,
		healthy:       true,
		probeInterval: defaultProbeInterval,
		clock:         sqldb.WallClock{},
		logger:        slog.Default().With("component", "window"),
	}
}

// WithProbeInterval sets how long the fallback serves before the primary is
// retried. Zero retries on every operation.
func (f *Failover) WithProbeInterval(d time.Duration) *Failover {
	f.probeInterval = d
	return f
}

// WithClock replaces the probe timer source.
func (f *Failover) WithClock(c sqldb.Clock) *Failover {
	f.clock = c
	return f
}

// pick decides the target of the next operation. The second return is true
// when the primary is being tried as a recovery probe.
func (f *Failover) pick() (usePrimary, probing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return true, false
	}
	now := f.clock.Now()
	if now.Sub(f.lastProbe) >= f.probeInterval {
		f.lastProbe = now
		return true, true
	}
	return false, false
}

func (f *Failover) markHealthy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		f.healthy = true
		f.logger.Info("primary window store recovered", "backend", f.primary.Name())
	}
}

func (f *Failover) markUnhealthy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		f.healthy = false
		f.lastProbe = f.clock.Now()
		f.logger.Warn("primary window store unavailable, serving from fallback",
			"backend", f.primary.Name(), "fallback", f.fallback.Name(), "error", err)
	}
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// run executes op against the routed backend, falling back on primary
// failure and updating health state.
func (f *Failover) run(ctx context.Context, op func(Store) error) error {
	usePrimary, probing := f.pick()
	if !usePrimary {
		return op(f.fallback)
	}

	err := op(f.primary)
	if err == nil {
		if probing {
			f.markHealthy()
		}
		return nil
	}
	if canceled(err) {
		return err
	}
	f.markUnhealthy(err)
	ferr := op(f.fallback)
	if ferr == nil || canceled(ferr) {
		return ferr
	}
	return fmt.Errorf("%w: primary: %v, fallback: %w", ErrUnavailable, err, ferr)
}

func (f *Failover) Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error {
	return f.run(ctx, func(s Store) error {
		return s.Record(ctx, metricID, occurrence, ts, window)
	})
}

func (f *Failover) Count(ctx context.Context, metricID int64, now time.Time, window time.Duration) (int64, error) {
	var n int64
	err := f.run(ctx, func(s Store) error {
		var err error
		n, err = s.Count(ctx, metricID, now, window)
		return err
	})
	return n, err
}

func (f *Failover) Clear(ctx context.Context, metricID int64) error {
	return f.run(ctx, func(s Store) error {
		return s.Clear(ctx, metricID)
	})
}

// ClearAll wipes both backends regardless of routing: a reset must not leave
// stale counts waiting on whichever side is currently quiet. The primary
// being unreachable is tolerated while unhealthy.
func (f *Failover) ClearAll(ctx context.Context) (int64, error) {
	cleared, err := f.fallback.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	n, err := f.primary.ClearAll(ctx)
	if err != nil {
		if canceled(err) {
			return cleared, err
		}
		f.markUnhealthy(err)
		return cleared, nil
	}
	if n > cleared {
		cleared = n
	}
	return cleared, nil
}

func (f *Failover) Stats(ctx context.Context) (BackendStats, error) {
	var stats BackendStats
	err := f.run(ctx, func(s Store) error {
		var err error
		stats, err = s.Stats(ctx)
		return err
	})
	return stats, err
}

// Name reports the currently routed backend.
func (f *Failover) Name() string {
	name, _ := f.Backend()
	return name
}

// Backend reports the live backend and whether the primary is healthy.
func (f *Failover) Backend() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return f.primary.Name(), true
	}
	return f.fallback.Name(), false
}
