// Package redis provides a shared TTL cache for provider responses backed by
// Redis, so several crawler replicas can reuse each other's fetches.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// Config captures connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// client is the subset of the go-redis API the cache needs.
type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// Cache stores JSON-encoded entries with an explicit expiry that is checked
// on read. The Redis key TTL only reclaims storage.
type Cache struct {
	client client
	prefix string
	clock  crawler.Clock
	closer func() error
}

type entry struct {
	Record    crawler.RawRecord `json:"record"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// New connects to Redis.
func New(cfg Config, clock crawler.Clock) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c := NewWithClient(rdb, cfg.Prefix, clock)
	c.closer = rdb.Close
	return c, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(c client, prefix string, clock crawler.Clock) *Cache {
	return &Cache{client: c, prefix: prefix, clock: clock}
}

// Get returns the live entry for key.
func (c *Cache) Get(ctx context.Context, key crawler.CacheKey) (crawler.RawRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.RawRecord{}, false, nil
	}
	if err != nil {
		return crawler.RawRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return crawler.RawRecord{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if !c.clock.Now().Before(e.ExpiresAt) {
		return crawler.RawRecord{}, false, nil
	}
	return e.Record, true, nil
}

// Put stores record under key for ttl, replacing any prior entry.
func (c *Cache) Put(ctx context.Context, key crawler.CacheKey, record crawler.RawRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry{Record: record, ExpiresAt: c.clock.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection pool when the cache owns it.
func (c *Cache) Close() error {
	if c.closer == nil {
		return nil
	}
	if err := c.closer(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (c *Cache) redisKey(key crawler.CacheKey) string {
	return c.prefix + key.String()
}
