// Package decisioncache memoizes query results in a bounded LRU.
package decisioncache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/query"
)

// decisionCache is an LRU of query results keyed by probe. Every result
// carries the generation of the snapshot that produced it; callers are
// expected to treat results from an older generation as misses.
type decisionCache struct {
	lru       *lru.Cache[string, domain.QueryResult]
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// disabledCache is used when size <= 0. It always misses.
type disabledCache struct{}

// New creates a cache holding at most size results. If size <= 0 a
// disabled cache is returned.
func New(size int) (query.Cache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	dc := &decisionCache{capacity: size}
	cache, err := lru.NewWithEvict(size, func(_ string, _ domain.QueryResult) {
		dc.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	dc.lru = cache
	return dc, nil
}

// Get looks up a result by probe key.
func (c *decisionCache) Get(key string) (domain.QueryResult, bool) {
	if val, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return val, true
	}
	c.misses.Add(1)
	return domain.QueryResult{}, false
}

// Put stores a result by probe key, replacing any older one.
func (c *decisionCache) Put(key string, r domain.QueryResult) {
	c.lru.Add(key, r)
}

func (c *decisionCache) Len() int { return c.lru.Len() }

// Purge drops every entry. Purged entries count as evictions.
func (c *decisionCache) Purge() { c.lru.Purge() }

func (c *decisionCache) Stats() query.CacheStats {
	return query.CacheStats{
		Capacity:  c.capacity,
		Size:      c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (d *disabledCache) Get(string) (domain.QueryResult, bool) {
	return domain.QueryResult{}, false
}

func (d *disabledCache) Put(string, domain.QueryResult) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() query.CacheStats { return query.CacheStats{} }

var _ query.Cache = (*decisionCache)(nil)
var _ query.Cache = (*disabledCache)(nil)
