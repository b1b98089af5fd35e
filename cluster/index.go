package cluster

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
)

// Index maps (field, value) pairs to sets of object ids. It is
// updated synchronously with every create, update and delete, and
// queries consult it exclusively: a query never scans partitions.
type Index struct {
	mu     sync.RWMutex
	fields map[string]map[string]*hashset.Set
}

func NewIndex() *Index {
	return &Index{
		fields: map[string]map[string]*hashset.Set{},
	}
}

// Put records the id under every (field, value) pair
func (index *Index) Put(fields map[string]string, id string) {
	if len(fields) == 0 {
		return
	}

	index.mu.Lock()
	defer index.mu.Unlock()

	for field, value := range fields {
		values, ok := index.fields[field]

		if !ok {
			values = map[string]*hashset.Set{}
			index.fields[field] = values
		}

		ids, ok := values[value]

		if !ok {
			ids = hashset.New()
			values[value] = ids
		}

		ids.Add(id)
	}
}

// Remove drops the id from every (field, value) pair, destroying
// entries that become empty
func (index *Index) Remove(fields map[string]string, id string) {
	if len(fields) == 0 {
		return
	}

	index.mu.Lock()
	defer index.mu.Unlock()

	for field, value := range fields {
		values, ok := index.fields[field]

		if !ok {
			continue
		}

		ids, ok := values[value]

		if !ok {
			continue
		}

		ids.Remove(id)

		if ids.Empty() {
			delete(values, value)
		}

		if len(values) == 0 {
			delete(index.fields, field)
		}
	}
}

// Drop removes the id from every entry it appears in, for callers
// that no longer know which fields it was indexed under
func (index *Index) Drop(id string) {
	index.mu.Lock()
	defer index.mu.Unlock()

	for field, values := range index.fields {
		for value, ids := range values {
			ids.Remove(id)

			if ids.Empty() {
				delete(values, value)
			}
		}

		if len(values) == 0 {
			delete(index.fields, field)
		}
	}
}

// Query evaluates the predicate against the index and returns the
// matching ids in ascending order
func (index *Index) Query(predicate Predicate) []string {
	index.mu.RLock()
	matches := predicate.eval(index)
	index.mu.RUnlock()

	ids := make([]string, 0, matches.Size())

	for _, id := range matches.Values() {
		ids = append(ids, id.(string))
	}

	sort.Strings(ids)

	return ids
}

// lookup must be called with the index lock held
func (index *Index) lookup(field, value string) *hashset.Set {
	values, ok := index.fields[field]

	if !ok {
		return hashset.New()
	}

	ids, ok := values[value]

	if !ok {
		return hashset.New()
	}

	return ids
}
