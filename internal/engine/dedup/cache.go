// Package dedup provides TTL caches that give at-most-once side effects for
// logically identical events delivered more than once.
package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Cache is a sharded key -> insertion time map with TTL eviction.
type Cache struct {
	name        string
	ttl         time.Duration
	maxPerShard int
	now         func() time.Time
	shards      [numShards]*shard
}

type shard struct {
	mu    sync.Mutex
	items map[string]time.Time
}

type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxEntries bounds the cache size. Oldest entries are evicted first.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxPerShard = (n + numShards - 1) / numShards
		}
	}
}

func New(name string, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		name:        name,
		ttl:         ttl,
		maxPerShard: 4096,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]time.Time)}
	}
	return c
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) getShard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// TryAcquire records key and returns true if it was absent or expired.
// A false result means an identical event was already accepted within the TTL.
func (c *Cache) TryAcquire(key string) bool {
	now := c.now()
	s := c.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.items[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	if len(s.items) >= c.maxPerShard {
		c.evictLocked(s, now)
	}
	s.items[key] = now
	return true
}

// Seen reports whether key is present and not expired.
func (c *Cache) Seen(key string) bool {
	s := c.getShard(key)
	s.mu.Lock()
	at, ok := s.items[key]
	s.mu.Unlock()
	return ok && c.now().Sub(at) < c.ttl
}

// Forget drops key so the next identical event is processed again.
func (c *Cache) Forget(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, at := range s.items {
			if now.Sub(at) >= c.ttl {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps the cache every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *Cache) evictLocked(s *shard, now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, at := range s.items {
		if now.Sub(at) >= c.ttl {
			delete(s.items, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if len(s.items) >= c.maxPerShard && oldestKey != "" {
		delete(s.items, oldestKey)
	}
}
