package store

import (
	"context"
	"sync"

	"github.com/openwiki/infobase/kv"
)

type propKey struct {
	group string
	name  string
}

// PropertyManager allocates and caches the integer ids used as foreign keys
// from index entries to (table group, property name) pairs. One instance is
// shared process-wide; Copy gives save transactions a private view so a
// rollback cannot leave uncommitted ids in the shared cache.
type PropertyManager struct {
	mu    sync.Mutex
	cache map[propKey]int64
}

func NewPropertyManager() *PropertyManager {
	return &PropertyManager{cache: make(map[propKey]int64)}
}

// Copy clones the cache for use inside a transaction.
func (pm *PropertyManager) Copy() *PropertyManager {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	c := make(map[propKey]int64, len(pm.cache))
	for k, v := range pm.cache {
		c[k] = v
	}
	return &PropertyManager{cache: c}
}

// Absorb merges a transaction copy back after its commit.
func (pm *PropertyManager) Absorb(child *PropertyManager) {
	child.mu.Lock()
	c := child.cache
	child.mu.Unlock()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for k, v := range c {
		pm.cache[k] = v
	}
}

// Lookup returns the property id, or false if the property was never used.
func (pm *PropertyManager) Lookup(ctx context.Context, r kv.Read, group, name string) (int64, bool, error) {
	pm.mu.Lock()
	if id, ok := pm.cache[propKey{group, name}]; ok {
		pm.mu.Unlock()
		return id, true, nil
	}
	pm.mu.Unlock()

	b, err := r.Get(ctx, propertyKey(group, name))
	if err != nil {
		return 0, false, err
	}
	if b == nil {
		return 0, false, nil
	}
	id := decodeInt64(b)

	pm.mu.Lock()
	pm.cache[propKey{group, name}] = id
	pm.mu.Unlock()
	return id, true, nil
}

// GetOrCreate resolves the property id, inserting a new row inside the
// given transaction on first use. A concurrent creator loses the commit
// race at the storage layer; the survivor's row wins and later lookups
// re-fetch it, so ids are never reused for a different name.
func (pm *PropertyManager) GetOrCreate(ctx context.Context, w kv.Write, group, name string) (int64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if id, ok := pm.cache[propKey{group, name}]; ok {
		return id, nil
	}

	b, err := w.Get(ctx, propertyKey(group, name))
	if err != nil {
		return 0, err
	}
	if b != nil {
		id := decodeInt64(b)
		pm.cache[propKey{group, name}] = id
		return id, nil
	}

	id, err := nextSequence(ctx, w, "property_"+group)
	if err != nil {
		return 0, err
	}
	if err := w.Put(propertyKey(group, name), appendInt64(nil, id)); err != nil {
		return 0, err
	}
	pm.cache[propKey{group, name}] = id
	return id, nil
}

// nextSequence increments a named counter inside the transaction and
// returns the new value. The first value is 1.
func nextSequence(ctx context.Context, w kv.Write, name string) (int64, error) {
	b, err := w.Get(ctx, seqKey(name))
	if err != nil {
		return 0, err
	}
	var n int64
	if b != nil {
		n = decodeInt64(b)
	}
	n++
	if err := w.Put(seqKey(name), appendInt64(nil, n)); err != nil {
		return 0, err
	}
	return n, nil
}
