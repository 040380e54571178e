// Package generator produces synthetic business events for exercising the
// alert engine: steady login, transaction, KYC, and registration streams,
// plus on-demand bursts that push a single metric over its threshold.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/signalfold/pulse/core/pkg/eventlog"
)

// Event categories the generator knows how to shape.
const (
	CategoryLogin       = "login"
	CategoryTransaction = "transaction"
	CategoryKYC         = "kyc"
	CategoryUser        = "user"
)

const defaultEventsPerSecond = 2.0

// ErrUnknownCategory is returned by Burst for a category the generator
// cannot shape a payload for.
var ErrUnknownCategory = errors.New("generator: unknown event category")

// Sink accepts generated events. *engine.Service satisfies it.
type Sink interface {
	PushEvent(ctx context.Context, category string, payload map[string]any) (eventlog.Event, error)
}

// Stream shares of the configured event rate, roughly matching production
// traffic shape: transactions dominate, registrations trickle.
var streamShares = map[string]float64{
	CategoryTransaction: 0.55,
	CategoryLogin:       0.30,
	CategoryKYC:         0.10,
	CategoryUser:        0.05,
}

type weightedStatus struct {
	value  string
	weight float64
}

var (
	loginStatuses       = []weightedStatus{{"success", 0.85}, {"failed", 0.15}}
	transactionStatuses = []weightedStatus{{"completed", 0.92}, {"failed", 0.08}}
	kycStatuses         = []weightedStatus{{"approved", 0.45}, {"pending", 0.40}, {"rejected", 0.15}}
)

var (
	userAgents       = []string{"Chrome", "Firefox", "Safari", "Edge"}
	currencies       = []string{"USD", "EUR", "GBP"}
	transactionTypes = []string{"deposit", "withdrawal", "transfer"}
	documentTypes    = []string{"passport", "id_card", "drivers_license"}
	kycSources       = []string{"manual", "automated"}
)

// Generator pushes synthetic events into a Sink.
type Generator struct {
	sink   Sink
	rate   float64
	logger *slog.Logger
	pushed atomic.Int64

	mu  sync.Mutex // guards rnd; streams and bursts share it
	rnd *rand.Rand
}

// New builds a generator producing roughly eventsPerSecond events across all
// streams combined.
func New(sink Sink, eventsPerSecond float64) *Generator {
	if eventsPerSecond <= 0 {
		eventsPerSecond = defaultEventsPerSecond
	}
	return &Generator{
		sink:   sink,
		rate:   eventsPerSecond,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: slog.Default().With("component", "generator"),
	}
}

// WithSeed makes payload randomness deterministic, for tests.
func (g *Generator) WithSeed(seed int64) *Generator {
	g.rnd = rand.New(rand.NewSource(seed))
	return g
}

// Pushed reports how many events have been accepted by the sink.
func (g *Generator) Pushed() int64 {
	return g.pushed.Load()
}

// Run drives all four steady streams until ctx is cancelled. Each stream
// paces itself with its share of the configured rate; sink errors are logged
// and the stream keeps going.
func (g *Generator) Run(ctx context.Context) error {
	streams := []struct {
		category string
		emit     func(context.Context) error
	}{
		{CategoryLogin, g.emitLogin},
		{CategoryTransaction, g.emitTransaction},
		{CategoryKYC, g.emitKYC},
		{CategoryUser, g.emitRegistration},
	}

	g.logger.Info("generator started", "events_per_second", g.rate)
	var wg sync.WaitGroup
	for _, s := range streams {
		limiter := rate.NewLimiter(rate.Limit(g.rate*streamShares[s.category]), 1)
		wg.Add(1)
		go func(category string, limiter *rate.Limiter, emit func(context.Context) error) {
			defer wg.Done()
			g.runStream(ctx, category, limiter, emit)
		}(s.category, limiter, s.emit)
	}
	wg.Wait()
	g.logger.Info("generator stopped", "events_pushed", g.Pushed())
	return nil
}

func (g *Generator) runStream(ctx context.Context, category string, limiter *rate.Limiter, emit func(context.Context) error) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := emit(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("event push failed", "category", category, "error", err)
		}
	}
}

// Burst pushes n events of one category with a fixed status, for forcing a
// metric over its threshold. It returns how many events landed before any
// error.
func (g *Generator) Burst(ctx context.Context, category, status string, n int) (int, error) {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		payload, err := g.burstPayload(category, status)
		if err != nil {
			return i, err
		}
		if err := g.push(ctx, category, payload); err != nil {
			return i, err
		}
	}
	g.logger.Info("burst completed", "category", category, "status", status, "count", n)
	return n, nil
}

func (g *Generator) burstPayload(category, status string) (map[string]any, error) {
	switch category {
	case CategoryLogin:
		return map[string]any{
			"user_id":    g.intn(100) + 1,
			"status":     status,
			"ip_address": fmt.Sprintf("192.168.1.%d", g.intn(255)+1),
			"user_agent": "BurstTest",
		}, nil
	case CategoryTransaction:
		return map[string]any{
			"user_id":   g.intn(100) + 1,
			"amount":    g.intn(4901) + 100,
			"currency":  "USD",
			"status":    status,
			"type":      "transfer",
			"reference": uuid.NewString(),
		}, nil
	case CategoryKYC:
		return map[string]any{
			"user_id":             g.intn(100) + 1,
			"kyc_status":          status,
			"document_type":       "passport",
			"verification_source": "automated",
		}, nil
	case CategoryUser:
		return g.registrationPayload(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
}

func (g *Generator) emitLogin(ctx context.Context) error {
	payload := map[string]any{
		"user_id":    g.intn(100) + 1,
		"status":     g.choose(loginStatuses),
		"ip_address": g.randomIP(),
		"user_agent": g.pickString(userAgents),
	}
	return g.push(ctx, CategoryLogin, payload)
}

func (g *Generator) emitTransaction(ctx context.Context) error {
	payload := map[string]any{
		"user_id":   g.intn(100) + 1,
		"amount":    g.intn(4901) + 100,
		"currency":  g.pickString(currencies),
		"status":    g.choose(transactionStatuses),
		"type":      g.pickString(transactionTypes),
		"reference": uuid.NewString(),
	}
	return g.push(ctx, CategoryTransaction, payload)
}

func (g *Generator) emitKYC(ctx context.Context) error {
	payload := map[string]any{
		"user_id":             g.intn(100) + 1,
		"kyc_status":          g.choose(kycStatuses),
		"document_type":       g.pickString(documentTypes),
		"verification_source": g.pickString(kycSources),
	}
	return g.push(ctx, CategoryKYC, payload)
}

func (g *Generator) emitRegistration(ctx context.Context) error {
	return g.push(ctx, CategoryUser, g.registrationPayload())
}

func (g *Generator) registrationPayload() map[string]any {
	n := g.intn(9000) + 1000
	return map[string]any{
		"user_id": g.intn(10000) + 1,
		"name":    fmt.Sprintf("user_%d", n),
		"email":   fmt.Sprintf("user%d@example.com", n),
	}
}

func (g *Generator) push(ctx context.Context, category string, payload map[string]any) error {
	ev, err := g.sink.PushEvent(ctx, category, payload)
	if err != nil {
		return fmt.Errorf("generator: failed to push %s event: %w", category, err)
	}
	g.pushed.Add(1)
	g.logger.Debug("event pushed", "category", category, "id", ev.ID)
	return nil
}

// choose picks a status with probability proportional to its weight.
func (g *Generator) choose(options []weightedStatus) string {
	total := 0.0
	for _, o := range options {
		total += o.weight
	}
	x := g.float64() * total
	for _, o := range options {
		x -= o.weight
		if x < 0 {
			return o.value
		}
	}
	return options[len(options)-1].value
}

func (g *Generator) pickString(options []string) string {
	return options[g.intn(len(options))]
}

func (g *Generator) randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", g.intn(255)+1, g.intn(255)+1, g.intn(255)+1, g.intn(255)+1)
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Intn(n)
}

func (g *Generator) float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Float64()
}
