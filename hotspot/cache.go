package hotspot

import "sync"

// DefaultCacheSize is the number of results a session keeps
const DefaultCacheSize = 10

// ResultCache is a bounded first-in-first-out result cache. Get never
// changes eviction order, and re-putting a key keeps its original slot.
// Values are deep-copied on the way in and out.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]*Result
}

// NewResultCache creates a cache holding up to capacity results. A
// capacity below one falls back to DefaultCacheSize.
func NewResultCache(capacity int) *ResultCache {
	if capacity < 1 {
		capacity = DefaultCacheSize
	}
	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]*Result, capacity),
	}
}

func (c *ResultCache) Get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (c *ResultCache) Put(key string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = r.Clone()
		return
	}
	c.entries[key] = r.Clone()
	c.order = append(c.order, key)
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len returns the number of cached results
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Keys returns cached keys oldest first
func (c *ResultCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.entries = make(map[string]*Result, c.capacity)
}
