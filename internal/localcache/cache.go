// Package localcache is a per-route, byte-bounded LRU read cache that sits in
// front of the backend.
//
// Entries are weighted by len(key)+len(value). Gets bump recency, so every
// operation takes the same mutex.
//
// A read that misses locally goes to the backend and fills the cache with the
// result afterwards. A write or delete that lands in between would leave the
// older value behind, so fills carry the generation observed before the read
// and are dropped when Invalidate has bumped it since.
package localcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/zeebo/xxh3"

	"github.com/pior/cacheproxy/internal/coarsetime"
)

const stripes = 256

// Config holds the cache limits. A zero MaxBytes disables the cache; a zero
// TTL disables age-based expiry.
type Config struct {
	MaxBytes int64
	TTL      time.Duration

	// Now overrides the clock, for tests. Defaults to coarsetime.Now.
	Now func() time.Time
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Fills     uint64
	Stale     uint64
	Evictions uint64
	Expired   uint64
	Bytes     int64
	Entries   int
	MaxBytes  int64
}

// Generation is an opaque token returned by Begin and passed to Fill.
type Generation uint64

type entry struct {
	value    []byte
	size     int64
	expireAt int64
}

type Cache struct {
	cfg Config

	mu    sync.Mutex
	items *lru.Cache
	bytes int64
	gens  [stripes]uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	fills     atomic.Uint64
	stale     atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

// New returns a cache, or nil when cfg.MaxBytes is not positive. All methods
// accept a nil *Cache and behave as an always-empty cache.
func New(cfg Config) *Cache {
	if cfg.MaxBytes <= 0 {
		return nil
	}
	if cfg.Now == nil {
		cfg.Now = coarsetime.Now
	}

	c := &Cache{cfg: cfg, items: lru.New(0)}
	c.items.OnEvicted = func(_ lru.Key, value any) {
		c.bytes -= value.(*entry).size
	}
	return c
}

// Get returns the cached value. The returned slice must not be modified.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items.Get(string(key))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	e := v.(*entry)
	if e.expireAt != 0 && c.cfg.Now().UnixNano() >= e.expireAt {
		c.items.Remove(string(key))
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Begin returns the current generation of key, to be handed to Fill once the
// backend read completes.
func (c *Cache) Begin(key []byte) Generation {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Generation(c.gens[stripe(key)])
}

// Fill stores value unless key was invalidated after gen was taken. It
// reports whether the value was stored. The cache keeps its own copy.
func (c *Cache) Fill(key, value []byte, gen Generation) bool {
	if c == nil {
		return false
	}

	size := int64(len(key) + len(value))
	if size > c.cfg.MaxBytes {
		return false
	}

	e := &entry{value: append([]byte(nil), value...), size: size}
	if c.cfg.TTL > 0 {
		e.expireAt = c.cfg.Now().Add(c.cfg.TTL).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if Generation(c.gens[stripe(key)]) != gen {
		c.stale.Add(1)
		return false
	}

	k := string(key)
	c.items.Remove(k)
	c.items.Add(k, e)
	c.bytes += size
	c.fills.Add(1)

	for c.bytes > c.cfg.MaxBytes {
		c.items.RemoveOldest()
		c.evictions.Add(1)
	}
	return true
}

// Invalidate drops key and fences off any fill started before this call.
func (c *Cache) Invalidate(key []byte) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[stripe(key)]++
	c.items.Remove(string(key))
}

// Clear drops every entry and fences off all in-flight fills.
func (c *Cache) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.gens {
		c.gens[i]++
	}
	c.items.Clear()
	c.bytes = 0
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}

	c.mu.Lock()
	bytes, entries := c.bytes, c.items.Len()
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fills:     c.fills.Load(),
		Stale:     c.stale.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
		Bytes:     bytes,
		Entries:   entries,
		MaxBytes:  c.cfg.MaxBytes,
	}
}

func stripe(key []byte) uint64 {
	return xxh3.Hash(key) % stripes
}
