// Package registry tracks engine and generator processes in Redis so
// operators can see what is running where. One key per worker kind: the
// engine assumes a single active poller, and re-registering a kind takes
// the key over. Entries carry a TTL and disappear when heartbeats stop.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

const keyPrefix = "pulse:worker:"

const defaultTTL = 60 * time.Second

// ErrNotRegistered is returned when no live worker holds the kind.
var ErrNotRegistered = errors.New("registry: worker not registered")

// Worker describes one registered process.
type Worker struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Registry is the Redis-backed worker directory.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	clock  sqldb.Clock
	logger *slog.Logger
}

func New(client *redis.Client) *Registry {
	return &Registry{
		client: client,
		ttl:    defaultTTL,
		clock:  sqldb.WallClock{},
		logger: slog.Default().With("component", "registry"),
	}
}

// WithTTL overrides how long an entry survives without a heartbeat.
func (r *Registry) WithTTL(d time.Duration) *Registry {
	if d > 0 {
		r.ttl = d
	}
	return r
}

// WithClock overrides the wall clock, for tests.
func (r *Registry) WithClock(c sqldb.Clock) *Registry {
	r.clock = c
	return r
}

// Register claims the kind for this process and returns the entry. An
// existing holder is silently replaced.
func (r *Registry) Register(ctx context.Context, kind string) (Worker, error) {
	if kind == "" {
		return Worker{}, fmt.Errorf("registry: worker kind must not be empty")
	}
	host, _ := os.Hostname()
	now := r.clock.Now().UTC()
	worker := Worker{
		ID:         uuid.NewString(),
		Kind:       kind,
		Host:       host,
		PID:        os.Getpid(),
		StartedAt:  now,
		LastSeenAt: now,
	}
	if err := r.put(ctx, worker); err != nil {
		return Worker{}, err
	}
	r.logger.Info("worker registered", "kind", kind, "id", worker.ID, "ttl", r.ttl)
	return worker, nil
}

// Heartbeat refreshes the entry's TTL and last-seen time.
func (r *Registry) Heartbeat(ctx context.Context, worker Worker) (Worker, error) {
	worker.LastSeenAt = r.clock.Now().UTC()
	if err := r.put(ctx, worker); err != nil {
		return Worker{}, err
	}
	return worker, nil
}

// Lookup returns the live worker for a kind.
func (r *Registry) Lookup(ctx context.Context, kind string) (Worker, error) {
	data, err := r.client.Get(ctx, keyPrefix+kind).Bytes()
	if errors.Is(err, redis.Nil) {
		return Worker{}, ErrNotRegistered
	}
	if err != nil {
		return Worker{}, fmt.Errorf("registry: failed to look up worker %q: %w", kind, err)
	}

	var worker Worker
	if err := json.Unmarshal(data, &worker); err != nil {
		return Worker{}, fmt.Errorf("registry: failed to decode worker %q: %w", kind, err)
	}
	return worker, nil
}

// Deregister drops the kind's entry. Dropping an absent kind is a no-op.
func (r *Registry) Deregister(ctx context.Context, kind string) error {
	if err := r.client.Del(ctx, keyPrefix+kind).Err(); err != nil {
		return fmt.Errorf("registry: failed to deregister worker %q: %w", kind, err)
	}
	r.logger.Info("worker deregistered", "kind", kind)
	return nil
}

// All scans every live worker entry.
func (r *Registry) All(ctx context.Context) ([]Worker, error) {
	workers := make([]Worker, 0)
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		kind := strings.TrimPrefix(iter.Val(), keyPrefix)
		worker, err := r.Lookup(ctx, kind)
		if errors.Is(err, ErrNotRegistered) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: failed to scan workers: %w", err)
	}
	return workers, nil
}

func (r *Registry) put(ctx context.Context, worker Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("registry: failed to encode worker %q: %w", worker.Kind, err)
	}
	if err := r.client.Set(ctx, keyPrefix+worker.Kind, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: failed to store worker %q: %w", worker.Kind, err)
	}
	return nil
}
