package cluster

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/storage/kv"
	"github.com/jrife/geode/storage/node"
)

// NodeSet is one generation of the cluster's storage topology: a
// named, versioned collection of nodes with its own consistent-hash
// ring placing ids on nodes. At most one node set is primary at a
// time; a retired set's stores are deleted only after a successful
// cutover and an explicit retire.
type NodeSet struct {
	name    string
	version uuid.UUID
	nodes   []*node.Node
	ring    *node.Ring
}

// OpenNodeSet opens (creating as needed) the named set over the root
// store, with one store per node. Reopening an existing set picks up
// whatever the nodes already hold.
func OpenNodeSet(root kv.RootStore, name string, nodes int, partitionsPerNode int, replicas int, logger *zap.Logger) (*NodeSet, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("node count must be at least 1, got %d", nodes)
	}

	set := &NodeSet{
		name:    name,
		version: uuid.New(),
		ring:    node.NewRing(nodes, replicas),
	}

	for index := 0; index < nodes; index++ {
		n, err := node.Open(root.Store(storeName(name, index)), partitionsPerNode, replicas, logger)

		if err != nil {
			return nil, fmt.Errorf("could not open node %d of set %s: %s", index, name, err)
		}

		set.nodes = append(set.nodes, n)
	}

	return set, nil
}

// Name returns the set's name
func (set *NodeSet) Name() string {
	return set.name
}

// Version returns the set's version, assigned at open
func (set *NodeSet) Version() uuid.UUID {
	return set.version
}

// Nodes returns the set's nodes in index order
func (set *NodeSet) Nodes() []*node.Node {
	return set.nodes
}

// Locate returns the node owning this id
func (set *NodeSet) Locate(id string) *node.Node {
	return set.nodes[set.ring.Locate(id)]
}

// Size returns the total number of objects stored across the set
func (set *NodeSet) Size() (uint64, error) {
	var total uint64

	for _, n := range set.nodes {
		size, err := n.Size()

		if err != nil {
			return 0, fmt.Errorf("could not size node %s: %s", n.Name(), err)
		}

		total += size
	}

	return total, nil
}

// Partitions returns the total partition count across the set
func (set *NodeSet) Partitions() int {
	total := 0

	for _, n := range set.nodes {
		total += n.Partitions()
	}

	return total
}

// ForEach visits every object stored in the set
func (set *NodeSet) ForEach(fn func(id string, c crystal.Crystal) error) error {
	for _, n := range set.nodes {
		if err := n.ForEach(fn); err != nil {
			return err
		}
	}

	return nil
}

// Delete destroys the set's stores. Only retired sets should reach
// here.
func (set *NodeSet) Delete() error {
	for _, n := range set.nodes {
		if err := n.Store().Delete(); err != nil {
			return fmt.Errorf("could not delete store for node %s: %s", n.Name(), err)
		}
	}

	return nil
}

func storeName(set string, index int) string {
	return fmt.Sprintf("%s-n%02d", set, index)
}
