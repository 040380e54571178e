package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/signalfold/pulse/core/pkg/metric"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"pulse", "version"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("version output missing %q: %s", version, out.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"pulse", "help"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, name := range []string{"engine", "generator", "init", "burst", "status"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("usage output missing command %q", name)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"pulse", "bogus"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr missing unknown-command notice: %s", errOut.String())
	}
}

// The seed pack must get past the same validator the facade uses, or
// `pulse init` would fail on a fresh database.
func TestStockMetricsValidate(t *testing.T) {
	v, err := metric.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	seen := map[string]bool{}
	for _, spec := range stockMetrics {
		if err := v.Validate(spec); err != nil {
			t.Errorf("stock metric %q fails validation: %v", spec.Name, err)
		}
		if seen[spec.Name] {
			t.Errorf("stock metric name %q appears twice", spec.Name)
		}
		seen[spec.Name] = true
	}
}
