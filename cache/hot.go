package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/metrics"
)

// HotCache is the cluster-wide in-memory shortcut for frequently
// requested ids. It holds crystals, never durable state: evicting an
// entry only removes the shortcut, the stored object is untouched.
// Access recording and eviction sweeps can race, so the map is
// guarded; concurrent misses for the same id collapse into one
// partition read through the singleflight group.
//
// Promotion of a loaded crystal must not race writers: a crystal read
// from a partition may be stale by the time its reader promotes it.
// Every eviction bumps a per-id fence, and PutIfCurrent refuses a
// promotion whose fence is no longer current, so a crystal loaded
// before a concurrent write can never be installed after it.
type HotCache struct {
	mu       sync.RWMutex
	crystals map[string]crystal.Crystal
	fences   map[string]uint64
	group    singleflight.Group
}

func NewHotCache() *HotCache {
	return &HotCache{
		crystals: map[string]crystal.Crystal{},
		fences:   map[string]uint64{},
	}
}

// Get returns the hot crystal for this id, if present
func (hot *HotCache) Get(id string) (crystal.Crystal, bool) {
	hot.mu.RLock()
	c, ok := hot.crystals[id]
	hot.mu.RUnlock()

	return c, ok
}

// GetOrLoad returns the hot crystal for this id, falling back to the
// load function on a miss. The returned bool reports whether the read
// was served hot. Loading does not promote; promotion is the
// tracker's decision, applied through PutIfCurrent with a fence
// observed before the load.
func (hot *HotCache) GetOrLoad(id string, load func() (crystal.Crystal, error)) (crystal.Crystal, bool, error) {
	if c, ok := hot.Get(id); ok {
		metrics.HotCacheHits.Inc()

		return c, true, nil
	}

	metrics.HotCacheMisses.Inc()

	value, err, _ := hot.group.Do(id, func() (interface{}, error) {
		return load()
	})

	if err != nil {
		return crystal.Crystal{}, false, err
	}

	return value.(crystal.Crystal), false, nil
}

// Fence returns the id's current invalidation fence. A reader takes
// the fence before loading and hands it to PutIfCurrent so a write
// landing between the load and the promotion voids the promotion.
func (hot *HotCache) Fence(id string) uint64 {
	hot.mu.RLock()
	defer hot.mu.RUnlock()

	return hot.fences[id]
}

// PutIfCurrent promotes a crystal into the hot cache unless the id was
// evicted since the fence was taken. It reports whether the crystal
// was installed.
func (hot *HotCache) PutIfCurrent(id string, c crystal.Crystal, fence uint64) bool {
	hot.mu.Lock()
	defer hot.mu.Unlock()

	if hot.fences[id] != fence {
		return false
	}

	hot.crystals[id] = c

	return true
}

// Put promotes a crystal into the hot cache unconditionally. Callers
// racing writers should take a Fence and use PutIfCurrent instead.
func (hot *HotCache) Put(id string, c crystal.Crystal) {
	hot.mu.Lock()
	hot.crystals[id] = c
	hot.mu.Unlock()
}

// Evict drops the shortcut for this id and bumps its fence, voiding
// any in-flight promotion that loaded before the eviction. It has no
// effect on durable storage.
func (hot *HotCache) Evict(id string) {
	hot.mu.Lock()

	hot.fences[id]++

	if _, ok := hot.crystals[id]; ok {
		delete(hot.crystals, id)
		metrics.HotCacheEvictions.Inc()
	}

	hot.mu.Unlock()
}

// Contains reports whether the id is currently hot
func (hot *HotCache) Contains(id string) bool {
	hot.mu.RLock()
	defer hot.mu.RUnlock()

	_, ok := hot.crystals[id]

	return ok
}

// Len returns the number of hot ids
func (hot *HotCache) Len() int {
	hot.mu.RLock()
	defer hot.mu.RUnlock()

	return len(hot.crystals)
}
