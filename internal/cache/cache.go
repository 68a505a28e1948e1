// Package cache provides the Redis-backed read cache and the pub/sub
// notification bus. Cached values carry their own freshness envelope so
// staleness is decided at read time, independent of Redis key expiry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/collaborator"
	"github.com/ElMartidel96/mbxarts-platform-sub008/internal/domain/stats"
)

const (
	KeyRankings    = "sync:rankings"
	KeySystemStats = "sync:stats"
	KeyRecentFeed  = "sync:recent"

	RankingsTTL    = 60 * time.Second
	SystemStatsTTL = 30 * time.Second

	// DefaultRecentCap bounds the recent-activity list.
	DefaultRecentCap = 50
)

// ErrMiss is returned when a key is absent or stale.
var ErrMiss = errors.New("cache: miss")

// entry wraps every cached value with its freshness metadata.
type entry struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   time.Time       `json:"cachedAt"`
	TTLSeconds int             `json:"ttlSeconds"`
}

func (e *entry) stale(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.CachedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Cache wraps a shared Redis client.
type Cache struct {
	client *redis.Client
}

// NewClient creates a Redis client with the pool settings used service-wide.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// New wraps an existing client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping verifies the connection is live.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.client.Close() }

// Set stores value under key wrapped in a freshness envelope. The Redis key
// TTL is padded slightly past the logical TTL; the envelope is authoritative.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}
	e := entry{
		Data:       data,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: int(ttl / time.Second),
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal cache entry for %s: %w", key, err)
	}

	storeTTL := ttl
	if storeTTL > 0 {
		storeTTL += 5 * time.Second
	}
	if err := c.client.Set(ctx, key, raw, storeTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get reads key into dest, enforcing lazy expiry: an entry whose envelope
// says it is stale is deleted and reported as a miss even if Redis still
// holds the key.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("unmarshal cache entry for %s: %w", key, err)
	}
	if e.stale(time.Now().UTC()) {
		_ = c.client.Del(ctx, key).Err()
		return ErrMiss
	}
	return json.Unmarshal(e.Data, dest)
}

// Delete removes keys eagerly.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %v: %w", keys, err)
	}
	return nil
}

// --- Named aggregate helpers ------------------------------------------------

// CacheRankings stores the leaderboard with its fixed TTL.
func (c *Cache) CacheRankings(ctx context.Context, rankings []collaborator.Ranking) error {
	return c.Set(ctx, KeyRankings, rankings, RankingsTTL)
}

// GetRankings reads the cached leaderboard.
func (c *Cache) GetRankings(ctx context.Context) ([]collaborator.Ranking, error) {
	var rankings []collaborator.Ranking
	if err := c.Get(ctx, KeyRankings, &rankings); err != nil {
		return nil, err
	}
	return rankings, nil
}

// CacheSystemStats stores the aggregate counters with their fixed TTL.
func (c *Cache) CacheSystemStats(ctx context.Context, st stats.SystemStats) error {
	return c.Set(ctx, KeySystemStats, st, SystemStatsTTL)
}

// GetSystemStats reads the cached aggregate counters.
func (c *Cache) GetSystemStats(ctx context.Context) (stats.SystemStats, error) {
	var st stats.SystemStats
	if err := c.Get(ctx, KeySystemStats, &st); err != nil {
		return stats.SystemStats{}, err
	}
	return st, nil
}

// InvalidateAggregates drops rankings and stats eagerly after a money-moving
// event so staleness is bounded by the event, not the TTL.
func (c *Cache) InvalidateAggregates(ctx context.Context) error {
	return c.Delete(ctx, KeyRankings, KeySystemStats)
}

// --- Auxiliary counters and bounded lists -----------------------------------

// IncrementCounter adds delta to a numeric key and returns the new value.
func (c *Cache) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

// PushRecent prepends raw onto a capped list.
func (c *Cache) PushRecent(ctx context.Context, key string, raw []byte, cap int64) error {
	if cap <= 0 {
		cap = DefaultRecentCap
	}
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis push recent %s: %w", key, err)
	}
	return nil
}

// RecentEntries returns up to limit most recent raw entries.
func (c *Cache) RecentEntries(ctx context.Context, key string, limit int64) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultRecentCap
	}
	vals, err := c.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}
