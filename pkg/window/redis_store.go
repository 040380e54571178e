package window

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalfold/pulse/core/pkg/sqldb"
)

const redisKeyPrefix = "metric:"

// recordScript appends one occurrence and prunes the window atomically.
// KEYS[1] = window key ("metric:{id}")
// ARGV[1] = occurrence member
// ARGV[2] = event timestamp (unix seconds, float)
// ARGV[3] = window start cutoff (unix seconds, float); strictly older entries go
// ARGV[4] = key TTL in whole seconds
var recordScript = redis.NewScript(`
local key = KEYS[1]
local member = ARGV[1]
local ts = tonumber(ARGV[2])
local cutoff = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call("ZADD", key, ts, member)
redis.call("ZREMRANGEBYSCORE", key, 0, "(" .. cutoff)
redis.call("EXPIRE", key, ttl)
return redis.call("ZCARD", key)
`)

// RedisStore is the primary window backend: one sorted set per metric,
// members are occurrence ids, scores are unix seconds. Keys expire a safety
// margin after the window so abandoned metrics clean themselves up.
type RedisStore struct {
	client    *redis.Client
	ttlMargin time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, ttlMargin time.Duration) *RedisStore {
	if ttlMargin <= 0 {
		ttlMargin = time.Minute
	}
	return &RedisStore{client: client, ttlMargin: ttlMargin}
}

func key(metricID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, metricID)
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', -1, 64)
}

func (r *RedisStore) Record(ctx context.Context, metricID int64, occurrence string, ts time.Time, window time.Duration) error {
	sec := sqldb.UnixSeconds(ts)
	cutoff := sqldb.UnixSeconds(ts.Add(-window))
	ttl := int64((window + r.ttlMargin).Seconds())

	_, err := recordScript.Run(ctx, r.client, []string{key(metricID)},
		occurrence, formatSeconds(sec), formatSeconds(cutoff), ttl,
	).Result()
	if err != nil {
		return fmt.Errorf("window: redis record for metric %d failed: %w", metricID, err)
	}
	return nil
}

func (r *RedisStore) Count(ctx context.Context, metricID int64, now time.Time, window time.Duration) (int64, error) {
	hi := formatSeconds(sqldb.UnixSeconds(now))
	lo := formatSeconds(sqldb.UnixSeconds(now.Add(-window)))

	n, err := r.client.ZCount(ctx, key(metricID), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("window: redis count for metric %d failed: %w", metricID, err)
	}
	return n, nil
}

func (r *RedisStore) Clear(ctx context.Context, metricID int64) error {
	if err := r.client.Del(ctx, key(metricID)).Err(); err != nil {
		return fmt.Errorf("window: redis clear for metric %d failed: %w", metricID, err)
	}
	return nil
}

func (r *RedisStore) ClearAll(ctx context.Context) (int64, error) {
	var cleared int64
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return cleared, fmt.Errorf("window: redis clear all failed: %w", err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		return cleared, fmt.Errorf("window: redis scan failed: %w", err)
	}
	return cleared, nil
}

func (r *RedisStore) Stats(ctx context.Context) (BackendStats, error) {
	stats := BackendStats{Backend: r.Name(), Metrics: make(map[int64]MetricWindowStats)}

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		id, err := strconv.ParseInt(strings.TrimPrefix(k, redisKeyPrefix), 10, 64)
		if err != nil {
			continue // foreign key under our prefix
		}
		entries, err := r.client.ZCard(ctx, k).Result()
		if err != nil {
			return stats, fmt.Errorf("window: redis zcard %s failed: %w", k, err)
		}
		ttl, err := r.client.TTL(ctx, k).Result()
		if err != nil {
			return stats, fmt.Errorf("window: redis ttl %s failed: %w", k, err)
		}
		stats.Metrics[id] = MetricWindowStats{Entries: entries, TTL: ttl}
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("window: redis scan failed: %w", err)
	}
	return stats, nil
}

func (r *RedisStore) Name() string { return "redis" }

// Ping reports whether the backend is reachable; the engine exposes this in
// its stats.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
