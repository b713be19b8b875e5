// Package cache implements the bounded, TTL-aware lookup cache shared by all
// directory backends.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/directoryd/internal/logging"
)

// Key identifies a cached lookup. Values are expected to be canonicalized
// by the caller.
type Key struct {
	Backend string
	Kind    string
	Value   string
}

// String returns the canonical key form used for shard selection and logs.
func (k Key) String() string {
	return k.Backend + "\x00" + k.Kind + "\x00" + k.Value
}

// Entry is a cached lookup result. Absent entries record a negative result.
type Entry[V any] struct {
	Value    V
	Absent   bool
	Inserted time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry[V]) Expired(now time.Time) bool {
	return now.Sub(e.Inserted) >= e.TTL
}

// Config for a Cache.
type Config struct {
	Capacity      int           `yaml:"capacity" default:"10000"`
	Shards        int           `yaml:"shards" default:"16"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"1m"`
}

// Stats holds cache counters.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	NegativeHits int64   `json:"negative_hits"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	Size         int     `json:"size"`
	HitRate      float64 `json:"hit_rate"`
}

// shard is one independently locked LRU.
type shard[V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[Key, *Entry[V]]
}

// Cache is a sharded LRU with per-entry TTLs. Every operation on a key holds
// its shard lock, so operations on one key are linearizable.
type Cache[V any] struct {
	ctx    context.Context
	shards []*shard[V]
	now    func() time.Time

	hits         atomic.Int64
	misses       atomic.Int64
	negativeHits atomic.Int64
	evictions    atomic.Int64
	expirations  atomic.Int64

	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its sweeper when SweepInterval is positive.
func New[V any](ctx context.Context, cfg Config) (*Cache[V], error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}

	c := &Cache[V]{
		ctx:       ctx,
		shards:    make([]*shard[V], cfg.Shards),
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}

	perShard := cfg.Capacity / cfg.Shards
	for i := range c.shards {
		size := perShard
		if i < cfg.Capacity%cfg.Shards {
			size++
		}
		l, err := simplelru.NewLRU[Key, *Entry[V]](size, nil)
		if err != nil {
			return nil, fmt.Errorf("create cache shard: %w", err)
		}
		c.shards[i] = &shard[V]{lru: l}
	}

	if cfg.SweepInterval > 0 {
		c.startSweeper(cfg.SweepInterval)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemCache, "Lookup cache created", map[string]any{
		"capacity": cfg.Capacity,
		"shards":   cfg.Shards,
		"sweep":    cfg.SweepInterval.String(),
	})

	return c, nil
}

func (c *Cache[V]) shardFor(k Key) *shard[V] {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[xxhash.Sum64String(k.String())%uint64(len(c.shards))]
}

// Get returns the live entry for k. Entries past their TTL count as a miss
// and are removed.
func (c *Cache[V]) Get(k Key) (Entry[V], bool) {
	s := c.shardFor(k)

	s.mu.Lock()
	e, ok := s.lru.Get(k)
	expired := ok && e.Expired(c.now())
	if expired {
		s.lru.Remove(k)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		c.misses.Add(1)
		return Entry[V]{}, false
	case expired:
		c.expirations.Add(1)
		c.misses.Add(1)
		return Entry[V]{}, false
	}

	c.hits.Add(1)
	if e.Absent {
		c.negativeHits.Add(1)
	}
	return *e, true
}

// Put stores v under k for ttl, replacing any existing entry. A non-positive
// ttl removes k instead.
func (c *Cache[V]) Put(k Key, v V, ttl time.Duration) {
	c.store(k, &Entry[V]{Value: v, Inserted: c.now(), TTL: ttl})
}

// PutAbsent records that k has no value for ttl.
func (c *Cache[V]) PutAbsent(k Key, ttl time.Duration) {
	c.store(k, &Entry[V]{Absent: true, Inserted: c.now(), TTL: ttl})
}

func (c *Cache[V]) store(k Key, e *Entry[V]) {
	s := c.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.TTL <= 0 {
		s.lru.Remove(k)
		return
	}
	if s.lru.Add(k, e) {
		c.evictions.Add(1)
	}
}

// Invalidate removes k.
func (c *Cache[V]) Invalidate(k Key) {
	s := c.shardFor(k)
	s.mu.Lock()
	s.lru.Remove(k)
	s.mu.Unlock()
}

// InvalidatePrefix removes every entry belonging to backend and returns the
// number removed.
func (c *Cache[V]) InvalidatePrefix(backend string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if k.Backend == backend && s.lru.Remove(k) {
				removed++
			}
		}
		s.mu.Unlock()
	}

	tflog.SubsystemDebug(c.ctx, logging.SubsystemCache, "Invalidated backend entries", map[string]any{
		"backend": backend,
		"removed": removed,
	})
	return removed
}

// Sweep removes expired entries and returns the number removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && e.Expired(now) && s.lru.Remove(k) {
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.expirations.Add(int64(removed))
		tflog.SubsystemTrace(c.ctx, logging.SubsystemCache, "Swept expired entries", map[string]any{
			"removed": removed,
		})
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// removed.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	st := Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		NegativeHits: c.negativeHits.Load(),
		Evictions:    c.evictions.Load(),
		Expirations:  c.expirations.Load(),
		Size:         c.Len(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Close stops the sweeper.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.sweepStop)
		c.sweepWg.Wait()
	})
}

func (c *Cache[V]) startSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	c.sweepWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.sweepStop:
				return
			}
		}
	})
}
