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

// runBurstCmd pushes a batch of same-status events, the quickest way to
// drive a stock metric over its threshold.
func runBurstCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("burst", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		category string
		status   string
		count    int
	)
	cmd.StringVar(&category, "category", generator.CategoryLogin, "Event category: login, transaction, kyc, or user")
	cmd.StringVar(&status, "status", "failed", "Status stamped on every event")
	cmd.IntVar(&count, "count", 15, "How many events to push")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if count <= 0 {
		fmt.Fprintln(stderr, "Error: --count must be positive")
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

	gen := generator.New(a.service, cfg.GeneratorRate)
	n, err := gen.Burst(ctx, category, status, count)
	if err != nil {
		fmt.Fprintf(stderr, "Burst failed after %d events: %v\n", n, err)
		return 1
	}

	fmt.Fprintf(stdout, "%sPushed %d %s events%s (status %q)\n",
		ColorBold+ColorGreen, n, category, ColorReset, status)
	fmt.Fprintln(stdout, "A running engine picks them up on its next tick")
	return 0
}
