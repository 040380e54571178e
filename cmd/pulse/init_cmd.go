package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/signalfold/pulse/core/pkg/metric"
)

// stockMetrics is the starter alert pack seeded by `pulse init`. Categories
// and filters line up with the generator's event shapes, so a burst of the
// right status trips the matching alert.
var stockMetrics = []metric.Spec{
	{
		Name:          "Failed Login Spike",
		Description:   "Triggers when failed logins exceed the threshold inside five minutes",
		EventCategory: "login",
		FilterJSON:    `{"status": "failed"}`,
		Threshold:     10,
		WindowSeconds: 300,
		Severity:      metric.SeverityHigh,
	},
	{
		Name:          "Failed Transaction Spike",
		Description:   "Triggers when failed transactions exceed the threshold inside five minutes",
		EventCategory: "transaction",
		FilterJSON:    `{"status": "failed"}`,
		Threshold:     5,
		WindowSeconds: 300,
		Severity:      metric.SeverityCritical,
	},
	{
		Name:          "KYC Rejection Spike",
		Description:   "Triggers when KYC rejections exceed the threshold inside ten minutes",
		EventCategory: "kyc",
		FilterJSON:    `{"kyc_status": "rejected"}`,
		Threshold:     3,
		WindowSeconds: 600,
		Severity:      metric.SeverityHigh,
	},
	{
		Name:          "Registration Surge",
		Description:   "Triggers when new registrations exceed the threshold inside an hour",
		EventCategory: "user",
		FilterJSON:    `{}`,
		Threshold:     20,
		WindowSeconds: 3600,
		Severity:      metric.SeverityMedium,
	},
}

// runInitCmd creates every table and seeds the stock metrics. Safe to run
// repeatedly: existing metrics are matched by name and left alone.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
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
		fmt.Fprintf(stderr, "Initialization failed: %v\n", err)
		return 1
	}
	defer a.close()

	fmt.Fprintf(stdout, "%sSchema initialized%s\n", ColorBold+ColorGreen, ColorReset)

	for _, spec := range stockMetrics {
		existing, err := a.service.GetMetricByName(ctx, spec.Name)
		if err == nil {
			fmt.Fprintf(stdout, "  %s%-26s%s exists (id %d)\n", ColorGray, spec.Name, ColorReset, existing.ID)
			continue
		}
		if !errors.Is(err, metric.ErrNotFound) {
			fmt.Fprintf(stderr, "Error checking %q: %v\n", spec.Name, err)
			return 1
		}

		created, err := a.service.CreateMetric(ctx, spec)
		if err != nil {
			fmt.Fprintf(stderr, "Error seeding %q: %v\n", spec.Name, err)
			return 1
		}
		fmt.Fprintf(stdout, "  %s%-26s%s seeded (id %d, %s, >%d %s events in %ds)\n",
			ColorGreen, created.Name, ColorReset, created.ID, created.Severity,
			created.Threshold, created.EventCategory, created.WindowSeconds)
	}
	return 0
}
