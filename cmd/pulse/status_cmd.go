package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/signalfold/pulse/core/pkg/engine"
)

// runStatusCmd reports store totals, active alerts, and registered workers.
// It reads the shared database and Redis, so it works alongside a running
// engine process.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer a.close()

	stats, err := a.service.SystemStats(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Stats failed: %v\n", err)
		return 1
	}
	alerts, err := a.service.ActiveAlerts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Active alerts failed: %v\n", err)
		return 1
	}
	// The loop in this process never ran; the persisted cursor is the one
	// that matters.
	cursor, err := a.cursors.Load(ctx, engine.EventCursorKey)
	if err != nil {
		fmt.Fprintf(stderr, "Cursor read failed: %v\n", err)
		return 1
	}
	workers, workersErr := a.registry.All(ctx)
	if workersErr != nil {
		workers = nil // redis down; RedisAvailable already says so
	}

	if *jsonOutput {
		out := map[string]any{
			"stats":   stats,
			"cursor":  cursor,
			"alerts":  alerts,
			"workers": workers,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "%sPULSE STATUS%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(stdout, "")
	printStat(stdout, "Events", fmt.Sprintf("%d", stats.Events))
	printStat(stdout, "Metrics", fmt.Sprintf("%d", stats.Metrics))
	printStat(stdout, "Active alerts", fmt.Sprintf("%d", stats.ActiveAlerts))
	printStat(stdout, "Total triggered", fmt.Sprintf("%d", stats.TotalTriggered))
	printStat(stdout, "Anomalies active", fmt.Sprintf("%d", stats.Anomalies.Active))
	printStat(stdout, "Resolved today", fmt.Sprintf("%d", stats.Anomalies.ResolvedToday))
	printStat(stdout, "Cursor", fmt.Sprintf("%d", cursor))
	printStat(stdout, "Window backend", stats.WindowBackend)
	printStat(stdout, "Redis", availability(stats.RedisAvailable))

	if len(alerts) > 0 {
		fmt.Fprintln(stdout, "")
		printSection(stdout, "ACTIVE ALERTS")
		for _, alert := range alerts {
			fmt.Fprintf(stdout, "  %s%s%s (%s) count %d over threshold %d\n",
				ColorRed, alert.Metric.Name, ColorReset, alert.Metric.Severity,
				alert.Count, alert.Metric.Threshold)
		}
	}

	fmt.Fprintln(stdout, "")
	printSection(stdout, "WORKERS")
	if len(workers) == 0 {
		fmt.Fprintf(stdout, "  %snone registered%s\n", ColorGray, ColorReset)
	}
	for _, w := range workers {
		fmt.Fprintf(stdout, "  %s%-10s%s %s pid %d, last seen %s\n",
			ColorGreen, w.Kind, ColorReset, w.Host, w.PID,
			w.LastSeenAt.Format(time.RFC3339))
	}
	fmt.Fprintln(stdout, "")
	return 0
}

func printStat(w io.Writer, name, value string) {
	fmt.Fprintf(w, "  %-18s %s\n", name+":", value)
}

func availability(ok bool) string {
	if ok {
		return ColorGreen + "available" + ColorReset
	}
	return ColorYellow + "unavailable" + ColorReset
}
