package cluster

import (
	"github.com/emirpasic/gods/sets/hashset"
)

// Predicate selects ids through the index. Predicates compose with
// And/Or; the boolean structure maps onto set intersection and union.
type Predicate interface {
	eval(index *Index) *hashset.Set
}

// Eq matches ids indexed under field = value
func Eq(field, value string) Predicate {
	return eq{field: field, value: value}
}

// And matches ids satisfying every predicate
func And(predicates ...Predicate) Predicate {
	return and{predicates: predicates}
}

// Or matches ids satisfying any predicate
func Or(predicates ...Predicate) Predicate {
	return or{predicates: predicates}
}

type eq struct {
	field string
	value string
}

func (predicate eq) eval(index *Index) *hashset.Set {
	return index.lookup(predicate.field, predicate.value)
}

type and struct {
	predicates []Predicate
}

func (predicate and) eval(index *Index) *hashset.Set {
	if len(predicate.predicates) == 0 {
		return hashset.New()
	}

	matches := predicate.predicates[0].eval(index)

	for _, p := range predicate.predicates[1:] {
		matches = matches.Intersection(p.eval(index))
	}

	return matches
}

type or struct {
	predicates []Predicate
}

func (predicate or) eval(index *Index) *hashset.Set {
	matches := hashset.New()

	for _, p := range predicate.predicates {
		matches = matches.Union(p.eval(index))
	}

	return matches
}
