package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/signalfold/pulse/core/pkg/predicate"
)

const (
	spikeCacheTTL   = 30 * time.Second
	baselineWindows = 10
	spikeFetchLimit = 5000
	spikeMinCount   = 3
	spikeRatio      = 2.0
)

// SpikeReport compares a failure metric's current window against its own
// recent history.
type SpikeReport struct {
	MetricID          int64     `json:"metric_id"`
	Metric            string    `json:"metric"`
	Category          string    `json:"category"`
	WindowSeconds     int64     `json:"window_seconds"`
	Current           int64     `json:"current"`
	CategoryEvents    int64     `json:"category_events"`
	BaselinePerWindow float64   `json:"baseline_per_window"`
	Ratio             float64   `json:"ratio"`
	Spiking           bool      `json:"spiking"`
	ComputedAt        time.Time `json:"computed_at"`
}

type spikeCache struct {
	mu       sync.Mutex
	reports  []SpikeReport
	cachedAt time.Time
}

// FailureSpikes reports, for every failure-shaped metric, how its current
// window compares to the average of the preceding ten windows. The scan
// walks raw events, so results are cached briefly; within the TTL the same
// slice is served again.
func (s *Service) FailureSpikes(ctx context.Context) ([]SpikeReport, error) {
	now := s.clock.Now()

	s.spikes.mu.Lock()
	if s.spikes.reports != nil && now.Sub(s.spikes.cachedAt) < spikeCacheTTL {
		reports := s.spikes.reports
		s.spikes.mu.Unlock()
		return reports, nil
	}
	s.spikes.mu.Unlock()

	reports, err := s.computeSpikes(ctx, now)
	if err != nil {
		return nil, err
	}

	s.spikes.mu.Lock()
	s.spikes.reports = reports
	s.spikes.cachedAt = now
	s.spikes.mu.Unlock()
	return reports, nil
}

func (s *Service) computeSpikes(ctx context.Context, now time.Time) ([]SpikeReport, error) {
	specs, err := s.metrics.List(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]SpikeReport, 0)
	for _, spec := range specs {
		if !isFailureMetric(spec.Name, spec.FilterJSON) {
			continue
		}

		current, err := s.windows.Count(ctx, spec.ID, now, spec.Window())
		if err != nil {
			return nil, err
		}

		categoryEvents, err := s.events.CountInRange(ctx, spec.EventCategory, now.Add(-spec.Window()), now)
		if err != nil {
			return nil, err
		}

		// Baseline: matching events in the ten windows before the current
		// one, averaged per window.
		from := now.Add(-time.Duration(baselineWindows+1) * spec.Window())
		to := now.Add(-spec.Window())
		history, err := s.events.FetchRange(ctx, spec.EventCategory, from, to, spikeFetchLimit)
		if err != nil {
			return nil, err
		}
		var matched int64
		for _, ev := range history {
			if predicate.MatchJSON(spec.FilterJSON, ev.Payload) {
				matched++
			}
		}
		baseline := float64(matched) / baselineWindows

		// Floor the denominator at one event per window so a metric with no
		// history needs real volume, not one stray event, to spike.
		denom := baseline
		if denom < 1 {
			denom = 1
		}
		ratio := float64(current) / denom

		reports = append(reports, SpikeReport{
			MetricID:          spec.ID,
			Metric:            spec.Name,
			Category:          spec.EventCategory,
			WindowSeconds:     spec.WindowSeconds,
			Current:           current,
			CategoryEvents:    categoryEvents,
			BaselinePerWindow: baseline,
			Ratio:             ratio,
			Spiking:           current >= spikeMinCount && ratio >= spikeRatio,
			ComputedAt:        now,
		})
	}
	return reports, nil
}

// isFailureMetric treats a metric as failure-shaped when its name or filter
// mentions failure.
func isFailureMetric(name, filterJSON string) bool {
	return strings.Contains(strings.ToLower(name), "fail") ||
		strings.Contains(strings.ToLower(filterJSON), "fail")
}
