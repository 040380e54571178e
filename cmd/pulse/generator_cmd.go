package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/signalfold/pulse/core/pkg/generator"
)

// runGeneratorCmd streams synthetic events through the facade until
// SIGINT/SIGTERM. A separate engine process evaluates them.
func runGeneratorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("generator", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	rate := cmd.Float64("rate", 0, "Events per second across all streams (0 uses the configured rate)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	if *rate > 0 {
		cfg.GeneratorRate = *rate
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer a.close()

	release := registerWorker(ctx, a.registry, "generator", cfg.WorkerTTL)
	defer release()

	gen := generator.New(a.service, cfg.GeneratorRate)
	fmt.Fprintf(stdout, "%sPulse generator running%s (%.1f events/s)\n",
		ColorBold+ColorGreen, ColorReset, cfg.GeneratorRate)
	fmt.Fprintln(stdout, "Press ctrl+c to stop")

	_ = gen.Run(ctx)
	fmt.Fprintf(stdout, "Pushed %d events\n", gen.Pushed())
	return 0
}
