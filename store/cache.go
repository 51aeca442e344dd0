package store

import (
	"sync"

	"github.com/maypok86/otter"

	"github.com/openwiki/infobase/api"
)

// cached is one materialized thing revision as handed out to readers.
type cached struct {
	Thing api.Thing
	Doc   api.Document
}

// Cache holds materialized latest revisions. Documents for a small pinned
// set of keys (types, permissions, front pages) never fall out; everything
// else lives in a size-bounded LRU keyed by thing id, with a side map from
// key to id so lookups by key stay one hop.
type Cache struct {
	lru otter.Cache[int64, cached]

	mu      sync.Mutex
	keyToID map[string]int64
	pinned  map[string]bool
	special map[int64]cached
}

func NewCache(capacity int) (*Cache, error) {
	lru, err := otter.MustBuilder[int64, cached](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:     lru,
		keyToID: make(map[string]int64),
		pinned:  make(map[string]bool),
		special: make(map[int64]cached),
	}, nil
}

// Pin marks keys whose documents are kept resident regardless of LRU
// pressure. Meant for types and permission objects read on every request.
func (c *Cache) Pin(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.pinned[k] = true
	}
}

func (c *Cache) GetByID(id int64) (cached, bool) {
	c.mu.Lock()
	if v, ok := c.special[id]; ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()
	return c.lru.Get(id)
}

func (c *Cache) GetByKey(key string) (cached, bool) {
	c.mu.Lock()
	id, ok := c.keyToID[key]
	c.mu.Unlock()
	if !ok {
		return cached{}, false
	}
	return c.GetByID(id)
}

func (c *Cache) Put(v cached) {
	c.mu.Lock()
	c.keyToID[v.Thing.Key] = v.Thing.ID
	if c.pinned[v.Thing.Key] {
		c.special[v.Thing.ID] = v
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.lru.Set(v.Thing.ID, v)
}

// Invalidate drops a key after a write so the next read refetches.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	id, ok := c.keyToID[key]
	if ok {
		delete(c.keyToID, key)
		delete(c.special, id)
	}
	c.mu.Unlock()
	if ok {
		c.lru.Delete(id)
	}
}

func (c *Cache) Close() {
	c.lru.Close()
}

// requestCache overlays one request on the global cache. Documents written
// during the request are visible to its own later reads immediately, and
// promoted to the global cache only once the whole write commits.
type requestCache struct {
	global *Cache
	local  map[string]cached
	added  []string
}

func newRequestCache(global *Cache) *requestCache {
	return &requestCache{global: global, local: make(map[string]cached)}
}

func (rc *requestCache) get(key string) (cached, bool) {
	if v, ok := rc.local[key]; ok {
		return v, true
	}
	return rc.global.GetByKey(key)
}

func (rc *requestCache) put(v cached) {
	rc.local[v.Thing.Key] = v
	rc.added = append(rc.added, v.Thing.Key)
}

// flush promotes locally written documents to the global cache after commit.
func (rc *requestCache) flush() {
	for _, k := range rc.added {
		if v, ok := rc.local[k]; ok {
			rc.global.Put(v)
		}
	}
	rc.added = nil
}

// discard drops local writes after a failed commit and invalidates the
// touched keys globally in case a partial state was promoted earlier.
func (rc *requestCache) discard() {
	for _, k := range rc.added {
		delete(rc.local, k)
		rc.global.Invalidate(k)
	}
	rc.added = nil
}
