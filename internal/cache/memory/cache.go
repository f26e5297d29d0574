// Package memory provides an in-process TTL cache for provider responses.
package memory

import (
	"context"
	"hash/fnv"
	"maps"
	"sync"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

const defaultShards = 32

// Cache is a striped-lock TTL cache. Each key hashes to one shard, so
// concurrent workers touching different keys rarely contend. Expiry is
// evaluated at read time; there is no background sweeper.
type Cache struct {
	shards []*shard
	clock  crawler.Clock
}

type shard struct {
	mu      sync.RWMutex
	entries map[crawler.CacheKey]entry
}

type entry struct {
	record    crawler.RawRecord
	expiresAt time.Time
}

// New builds a Cache with the given shard count (defaults to 32).
func New(shards int, clock crawler.Clock) *Cache {
	if shards <= 0 {
		shards = defaultShards
	}
	c := &Cache{
		shards: make([]*shard, shards),
		clock:  clock,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[crawler.CacheKey]entry)}
	}
	return c
}

// Get returns the live entry for key. Entries at or past their expiry are
// treated as absent.
func (c *Cache) Get(_ context.Context, key crawler.CacheKey) (crawler.RawRecord, bool, error) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return crawler.RawRecord{}, false, nil
	}
	return cloneRecord(e.record), true, nil
}

// Put stores record under key for ttl, replacing any prior entry.
func (c *Cache) Put(_ context.Context, key crawler.CacheKey, record crawler.RawRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s := c.shardFor(key)
	e := entry{record: cloneRecord(record), expiresAt: c.clock.Now().Add(ttl)}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet overwritten.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Purge drops expired entries. Reads never depend on it.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (c *Cache) shardFor(key crawler.CacheKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func cloneRecord(r crawler.RawRecord) crawler.RawRecord {
	r.Fields = maps.Clone(r.Fields)
	return r
}
