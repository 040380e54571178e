package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalfold/pulse/core/pkg/engine"
)

// runEngineCmd starts the poll loop and runs until SIGINT/SIGTERM.
func runEngineCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("engine", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	statsInterval := cmd.Duration("stats-interval", 30*time.Second, "How often to log engine stats (0 disables)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer a.close()

	release := registerWorker(ctx, a.registry, "engine", cfg.WorkerTTL)
	defer release()

	if err := a.service.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Engine start failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%sPulse engine running%s (tick %s, batch %d)\n",
		ColorBold+ColorGreen, ColorReset, cfg.TickInterval, cfg.BatchSize)
	fmt.Fprintln(stdout, "Press ctrl+c to stop")

	if *statsInterval > 0 {
		go logStats(ctx, a.service, *statsInterval)
	}

	<-ctx.Done()
	stop()

	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.service.Stop(stopCtx); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		slog.Error("engine stop failed", "error", err)
		return 1
	}
	return 0
}

func logStats(ctx context.Context, svc *engine.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := svc.SystemStats(ctx)
			if err != nil {
				slog.Warn("stats collection failed", "error", err)
				continue
			}
			slog.Info("engine stats",
				"events", stats.Events,
				"metrics", stats.Metrics,
				"active_alerts", stats.ActiveAlerts,
				"total_triggered", stats.TotalTriggered,
				"cursor", stats.Engine.Cursor,
				"ticks", stats.Engine.Ticks,
				"window_backend", stats.WindowBackend,
			)
		}
	}
}
