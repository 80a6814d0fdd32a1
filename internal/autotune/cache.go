package autotune

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/blockquant/internal/kernel"
)

// Key identifies a problem shape.
type Key struct {
	Batch int `json:"batch"`
	M     int `json:"m"`
	N     int `json:"n"`
}

func (k Key) String() string {
	return fmt.Sprintf("%dx%dx%d", k.Batch, k.M, k.N)
}

// Entry is a tuned configuration and the median time it was measured at.
type Entry struct {
	Config  kernel.Config `json:"config"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Cache maps shapes to tuned configurations. Entries are never invalidated;
// Reset exists for tests and operators.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[Key]Entry),
	}
}

func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return e, ok
}

// GetOrCompute returns the cached entry for key, or runs fn once to fill it.
// Concurrent callers that miss on the same key share a single fn call. The
// boolean reports whether the entry came straight from the cache. Failed
// computations are not cached.
func (c *Cache) GetOrCompute(key Key, fn func() (Entry, error)) (Entry, bool, error) {
	if e, ok := c.Get(key); ok {
		return e, true, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if e, ok := c.Get(key); ok {
			return e, nil
		}
		e, err := fn()
		if err != nil {
			return Entry{}, err
		}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}

// Entries returns a snapshot of the cache.
func (c *Cache) Entries() map[Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Reset() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
