package crystal

import (
	"context"
)

type key int

const cacheKey key = iota

// Cache memoizes crystallization and reconstruction for one execution
// context. It is owned by that context and never shared: a new worker
// or request builds a fresh cache, so no locking is needed. There is
// no eviction; the cache is discarded wholesale with its context.
//
// A nil *Cache is valid and simply passes every call through to the
// crystallizer.
type Cache struct {
	crystals map[string]Crystal
	objects  map[string]Object
}

func NewCache() *Cache {
	return &Cache{
		crystals: map[string]Crystal{},
		objects:  map[string]Object{},
	}
}

// Crystallize returns the cached crystal for this object identity if
// one exists, invoking the crystallizer at most once per identity.
func (cache *Cache) Crystallize(crystallizer Crystallizer, obj Object) (Crystal, error) {
	if cache == nil {
		return crystallizer.Crystallize(obj)
	}

	if crystal, ok := cache.crystals[obj.ObjectID()]; ok {
		return crystal, nil
	}

	crystal, err := crystallizer.Crystallize(obj)

	if err != nil {
		return Crystal{}, err
	}

	cache.crystals[crystal.ID] = crystal

	return crystal, nil
}

// Reconstruct is the inverse of Crystallize, keyed by crystal identity
func (cache *Cache) Reconstruct(crystallizer Crystallizer, crystal Crystal) (Object, error) {
	if cache == nil {
		return crystallizer.Reconstruct(crystal)
	}

	if obj, ok := cache.objects[crystal.ID]; ok {
		return obj, nil
	}

	obj, err := crystallizer.Reconstruct(crystal)

	if err != nil {
		return nil, err
	}

	cache.objects[crystal.ID] = obj
	cache.crystals[crystal.ID] = crystal

	return obj, nil
}

// Forget drops one identity from the cache. Sessions call it when an
// object is deleted or overwritten so later reads in the same context
// do not resurrect the old value.
func (cache *Cache) Forget(id string) {
	if cache == nil {
		return
	}

	delete(cache.crystals, id)
	delete(cache.objects, id)
}

// WithCache attaches a fresh cache to the context. The cache lives
// exactly as long as the context does.
func WithCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey, NewCache())
}

// FromContext extracts the context's cache. It returns nil when the
// context carries none; a nil cache is usable and uncached.
func FromContext(ctx context.Context) *Cache {
	cache, ok := ctx.Value(cacheKey).(*Cache)

	if !ok {
		return nil
	}

	return cache
}
