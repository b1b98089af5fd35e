package node

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// DefaultVirtualPoints is how many points each member contributes to
// the ring when the consumer doesn't say otherwise.
const DefaultVirtualPoints = 16

// Ring is a consistent-hash ring mapping ids onto member indexes
// 0..members-1. Members can be partitions within a node or nodes
// within a node set; the ring doesn't care. Each member contributes a
// fixed number of virtual points so ownership spreads evenly, and
// growing the member count relocates only the ids on the arcs the new
// points claim. A naive hash-mod-N placement would instead relocate
// nearly every id on every growth step.
//
// Placement is a pure function of the id and the ring's member count,
// so two rings built with the same parameters agree across processes
// and restarts.
type Ring struct {
	points   *treemap.Map
	members  int
	replicas int
}

// NewRing builds a ring with the given member count. replicas is the
// number of virtual points per member; values < 1 use the default.
func NewRing(members, replicas int) *Ring {
	if replicas < 1 {
		replicas = DefaultVirtualPoints
	}

	ring := &Ring{
		points:   treemap.NewWith(utils.UInt64Comparator),
		replicas: replicas,
	}

	for member := 0; member < members; member++ {
		ring.add(member)
	}

	ring.members = members

	return ring
}

func (ring *Ring) add(member int) {
	for replica := 0; replica < ring.replicas; replica++ {
		ring.points.Put(pointHash(member, replica), member)
	}
}

// Grow returns a new ring with the larger member count. The receiver
// is unchanged, so a consumer can compare placements before and after.
func (ring *Ring) Grow(members int) *Ring {
	next := NewRing(ring.members, ring.replicas)

	for member := ring.members; member < members; member++ {
		next.add(member)
	}

	next.members = members

	return next
}

// Members returns the ring's member count
func (ring *Ring) Members() int {
	return ring.members
}

// Locate returns the member owning this id: the first virtual point at
// or after the id's hash, wrapping to the lowest point.
func (ring *Ring) Locate(id string) int {
	hash := xxhash.Sum64String(id)

	if _, member := ring.points.Ceiling(hash); member != nil {
		return member.(int)
	}

	_, member := ring.points.Min()

	return member.(int)
}

func pointHash(member, replica int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("p%d#%d", member, replica))
}
