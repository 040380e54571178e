package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalfold/pulse/core/pkg/alerting"
	"github.com/signalfold/pulse/core/pkg/config"
	"github.com/signalfold/pulse/core/pkg/engine"
	"github.com/signalfold/pulse/core/pkg/eventlog"
	"github.com/signalfold/pulse/core/pkg/metric"
	"github.com/signalfold/pulse/core/pkg/observability"
	"github.com/signalfold/pulse/core/pkg/registry"
	"github.com/signalfold/pulse/core/pkg/sqldb"
	"github.com/signalfold/pulse/core/pkg/window"
)

// app bundles what every subcommand needs: stores over one database handle,
// the failover window backend, the loop, and the facade.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	redis    *redis.Client
	cursors  *engine.SQLCursorStore
	service  *engine.Service
	registry *registry.Registry
	obs      *observability.Provider
}

// newApp opens the database and Redis, initializes every schema, and wires
// the engine. Redis being down is not fatal: windows start on the SQL
// fallback and fail back when it returns.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, dialect, err := sqldb.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	events := eventlog.NewSQLLog(db, dialect)
	metrics := metric.NewSQLStore(db, dialect)
	history := alerting.NewSQLHistoryStore(db, dialect)
	anomalies := alerting.NewSQLAnomalyLedger(db, dialect)
	cursors := engine.NewSQLCursorStore(db)
	sqlWindows := window.NewSQLStore(db)

	stores := []interface {
		Init(context.Context) error
	}{events, metrics, history, anomalies, cursors, sqlWindows}
	for _, store := range stores {
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unavailable, windows start on the sql fallback", "error", err)
	}
	cancel()

	windows := window.NewFailover(window.NewRedisStore(client, cfg.WindowTTLMargin), sqlWindows)

	validator, err := metric.NewValidator()
	if err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Telemetry
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.ServiceVersion = version
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without", "error", err)
		obs = nil
	}

	eval := alerting.NewEvaluator(windows, metrics, history, anomalies)
	loop := engine.NewLoop(events, metrics, windows, eval, cursors).
		WithTickInterval(cfg.TickInterval).
		WithBatchSize(cfg.BatchSize).
		WithObservability(obs)

	service := engine.NewService(engine.Deps{
		Events:    events,
		Metrics:   metrics,
		Validator: validator,
		Windows:   windows,
		History:   history,
		Anomalies: anomalies,
		Loop:      loop,
		Redis:     client,
		Obs:       obs,
	})

	return &app{
		cfg:      cfg,
		db:       db,
		redis:    client,
		cursors:  cursors,
		service:  service,
		registry: registry.New(client).WithTTL(cfg.WorkerTTL),
		obs:      obs,
	}, nil
}

// close releases connections. Telemetry gets a bounded flush.
func (a *app) close() {
	if a.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.obs.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	if err := a.redis.Close(); err != nil {
		slog.Warn("redis close failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("database close failed", "error", err)
	}
}

// loadConfig reads configuration and installs logging at the configured
// level, shared by every subcommand.
func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return nil, false
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(handler))
	return cfg, true
}

// registerWorker claims the worker kind and keeps its heartbeat alive until
// ctx ends. The returned release drops the entry; registration failure is
// tolerated because the registry is visibility, not a lease.
func registerWorker(ctx context.Context, reg *registry.Registry, kind string, ttl time.Duration) func() {
	worker, err := reg.Register(ctx, kind)
	if err != nil {
		slog.Warn("worker registration failed, continuing unregistered", "kind", kind, "error", err)
		return func() {}
	}

	go func() {
		interval := ttl / 3
		if interval <= 0 {
			interval = 20 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w, err := reg.Heartbeat(ctx, worker); err == nil {
					worker = w
				}
			}
		}
	}()

	return func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Deregister(dctx, kind)
	}
}
