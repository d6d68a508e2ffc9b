// Package cache implements the two-tier stage-output cache: an in-memory
// LRU (L1) in front of a persistent sqlite store (L2). Writes go through to
// L2 first, so anything visible in L1 is durable. L2 hits are promoted into
// L1. Checksum mismatches on L2 reads are recovered as misses.
//
// Keys embed extractor and model versions (see the cachekey package), so a
// version upgrade naturally invalidates stale entries without a purge.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls cache sizing and placement.
type Config struct {
	// Path is the sqlite DSN for the L2 tier. ":memory:" keeps L2 in
	// process, which is useful for tests and one-shot runs.
	Path string `yaml:"path" mapstructure:"path"`

	// L1Capacity is the maximum number of entries held in memory.
	L1Capacity int `yaml:"l1_capacity" mapstructure:"l1_capacity"`
}

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	L1Hits      int64 `json:"l1_hits"`
	L2Hits      int64 `json:"l2_hits"`
	Misses      int64 `json:"misses"`
	Puts        int64 `json:"puts"`
	Corruptions int64 `json:"corruptions"`
	Evictions   int64 `json:"evictions"`
}

// Hits returns total hits across both tiers.
func (s Stats) Hits() int64 { return s.L1Hits + s.L2Hits }

// Cache is the two-tier cache. It is an explicit object with an
// open/flush/close lifecycle, injected into the scheduler at construction.
// Safe for concurrent use.
type Cache struct {
	l1 *lruTier
	l2 *sqliteTier

	mu        sync.Mutex
	stats     Stats
	lastStamp int64

	nowFunc func() time.Time
}

// Open creates the cache, opening (and migrating) the persistent tier.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	l2, err := openSQLiteTier(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Cache{
		l1:      newLRUTier(cfg.L1Capacity),
		l2:      l2,
		nowFunc: time.Now,
	}, nil
}

// WithNow overrides the cache clock. Test hook.
func (c *Cache) WithNow(fn func() time.Time) *Cache {
	c.nowFunc = fn
	return c
}

// Get looks up key: L1 first, then L2 with promotion into L1. The boolean
// reports a hit. Corruption in L2 is logged, counted, and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := c.l1.Get(key); ok {
		c.count(func(s *Stats) { s.L1Hits++ })
		return v, true, nil
	}

	v, ok, corrupt, err := c.l2.Get(ctx, key, c.nowFunc())
	if err != nil {
		return nil, false, err
	}
	if corrupt {
		zap.L().Warn("cache: checksum mismatch on l2 read, treating as miss",
			zap.String("key", key))
		c.count(func(s *Stats) { s.Corruptions++; s.Misses++ })
		return nil, false, nil
	}
	if !ok {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}

	if _, evicted := c.l1.Put(key, v); evicted {
		c.count(func(s *Stats) { s.Evictions++ })
	}
	c.count(func(s *Stats) { s.L2Hits++ })
	return v, true, nil
}

// Put stores key: write-through to the durable tier first, then into L1.
// Concurrent writers to the same key settle last-writer-wins by a monotonic
// write stamp.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.l2.Put(ctx, key, value, c.nowFunc(), c.nextStamp()); err != nil {
		return err
	}
	if _, evicted := c.l1.Put(key, value); evicted {
		c.count(func(s *Stats) { s.Evictions++ })
	}
	c.count(func(s *Stats) { s.Puts++ })
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Flush forces pending L2 writes to disk.
func (c *Cache) Flush(ctx context.Context) error {
	return c.l2.Flush(ctx)
}

// Close flushes and releases the persistent tier.
func (c *Cache) Close() error {
	return c.l2.Close()
}

// nextStamp returns a strictly increasing write stamp. Wall-clock based,
// bumped past the previous stamp if the clock has not advanced.
func (c *Cache) nextStamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := c.nowFunc().UnixNano()
	if stamp <= c.lastStamp {
		stamp = c.lastStamp + 1
	}
	c.lastStamp = stamp
	return stamp
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
