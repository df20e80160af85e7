package stats

import (
	"sync"

	"github.com/quantdesk/flgc/pkg/model"
)

// Cache holds the derived CohortStats the pipeline recomputes during its
// StatsRefresh step, keyed by CohortKey, with a monotonic generation
// counter per key so a reader can tell a stale value from a freshly
// recomputed one without a second round-trip to the Outcome Store.
// Per-cohort entries are invalidated atomically when their inputs change.
type Cache struct {
	mu          sync.RWMutex
	entries     map[model.CohortKey]model.CohortStats
	generations map[model.CohortKey]int64
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries:     make(map[model.CohortKey]model.CohortStats),
		generations: make(map[model.CohortKey]int64),
	}
}

// Get returns the cached CohortStats for key, if any.
func (c *Cache) Get(key model.CohortKey) (model.CohortStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set atomically replaces key's entry and bumps its generation. Callers
// (the pipeline's StatsRefresh step) use this as the single point of
// invalidation: old readers holding a prior value simply finish using it.
func (c *Cache) Set(key model.CohortKey, value model.CohortStats) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.generations[key]++
	return c.generations[key]
}

// Invalidate drops key's entry without replacing it and bumps its
// generation atomically, used when a cohort's inputs changed but no fresh
// CohortStats has been computed yet.
func (c *Cache) Invalidate(key model.CohortKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.generations[key]++
	return c.generations[key]
}

// Generation returns key's current generation counter (0 if never set).
func (c *Cache) Generation(key model.CohortKey) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[key]
}

// Keys returns every key currently cached, so a caller can enumerate
// cohorts without a fresh store query.
func (c *Cache) Keys() []model.CohortKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.CohortKey, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}
