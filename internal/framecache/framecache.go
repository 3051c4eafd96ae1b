// Package framecache holds recently captured frames keyed by frame id so
// detection results arriving from the AI worker can be joined back to the
// pixels they were computed from. Entries expire after a short TTL; a result
// that outlives the TTL simply loses its frame.
package framecache

import (
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kestrel-video/agent/internal/capture"
)

// DefaultTTL is how long a frame stays retrievable. Worker round trips run
// well under a second, so two seconds covers even a congested link.
const DefaultTTL = 2 * time.Second

type Cache struct {
	c      *gocache.Cache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a cache with the given TTL. Expired entries are swept every
// TTL/4 so memory tracks the live window closely.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{c: gocache.New(ttl, ttl/4)}
}

func (c *Cache) Put(f *capture.Frame) {
	c.c.Set(key(f.ID), f, gocache.DefaultExpiration)
}

// Get returns the frame for id, or nil and false if it was never cached,
// expired, or was evicted.
func (c *Cache) Get(id uint64) (*capture.Frame, bool) {
	v, ok := c.c.Get(key(id))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.(*capture.Frame), true
}

func (c *Cache) Delete(id uint64) {
	c.c.Delete(key(id))
}

// Len is the number of entries, possibly counting expired ones the sweeper
// has not reached yet.
func (c *Cache) Len() int { return c.c.ItemCount() }

func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func key(id uint64) string { return strconv.FormatUint(id, 10) }
