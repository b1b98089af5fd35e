package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/storage/kv"
)

var (
	// ErrNotFound indicates the object does not exist in the node
	ErrNotFound = errors.New("object does not exist")
	// ErrAlreadyExists indicates a create for an id that is present
	ErrAlreadyExists = errors.New("object already exists")
	// ErrInvalidResize indicates a resize that does not grow the partition count
	ErrInvalidResize = errors.New("new partition count must be greater than current partition count")
	// ErrTransactionAlreadyOpen indicates a reentrant scoped-transaction acquisition
	ErrTransactionAlreadyOpen = errors.New("a scoped transaction is already open")
)

var (
	metaPartition = []byte("\x00meta")

	metaPartitionCountKey = []byte("partitions")
	metaReplicasKey       = []byte("replicas")
	metaSizeKey           = []byte("size")
	metaCacheKey          = []byte("cache")

	metaUserPrefix = []byte("m:")
)

// Node is an addressable unit of storage: a fixed number of hash
// partitions plus a metadata record, backed by one kv store. Ids are
// placed on partitions by a consistent-hash ring so the partition
// count can grow without re-placing more than the stolen arcs.
//
// Every id stored in a partition locates to that partition under the
// node's current ring. The partition count only grows.
type Node struct {
	store    kv.Store
	logger   *zap.Logger
	replicas int

	mu         sync.RWMutex
	ring       *Ring
	partitions int
}

// Open opens a node over the store, creating the store and its root
// containers if they are missing. partitions and replicas are only
// used when the node is fresh; an existing node keeps its persisted
// partition count and virtual-point count, so placement survives a
// reopen with different configuration.
func Open(store kv.Store, partitions int, replicas int, logger *zap.Logger) (*Node, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("partition count must be at least 1, got %d", partitions)
	}

	if replicas < 1 {
		replicas = DefaultVirtualPoints
	}

	if err := store.Create(); err != nil {
		return nil, fmt.Errorf("could not create store %s: %s", store.Name(), err)
	}

	node := &Node{
		store:      store,
		logger:     logger.With(zap.String("node", store.Name())),
		replicas:   replicas,
		partitions: partitions,
	}

	if err := node.ensureRoots(); err != nil {
		return nil, fmt.Errorf("could not bootstrap node %s: %s", store.Name(), err)
	}

	node.ring = NewRing(node.partitions, node.replicas)

	return node, nil
}

// ensureRoots makes sure the node's root containers and metadata
// records exist. Creation of missing roots happens inside a single
// transaction, so repeated opens are idempotent.
func (node *Node) ensureRoots() error {
	err := node.readPersistedState()

	if err == nil {
		return nil
	}

	if err != kv.ErrNoSuchPartition && err != kv.ErrNoSuchStore {
		return err
	}

	err = node.update(func(txn kv.Transaction) error {
		meta, err := txn.Ensure(metaPartition)

		if err != nil {
			return err
		}

		raw, err := meta.Get(metaPartitionCountKey)

		if err != nil {
			return err
		}

		if raw != nil {
			// another session bootstrapped first
			node.partitions = int(decodeUint64(raw))

			return node.adoptReplicas(meta)
		}

		for partition := 0; partition < node.partitions; partition++ {
			if _, err := txn.Ensure(partitionName(partition)); err != nil {
				return err
			}
		}

		if err := meta.Put(metaPartitionCountKey, encodeUint64(uint64(node.partitions))); err != nil {
			return err
		}

		if err := meta.Put(metaReplicasKey, encodeUint64(uint64(node.replicas))); err != nil {
			return err
		}

		return meta.Put(metaSizeKey, encodeUint64(0))
	})

	if err != nil {
		return err
	}

	node.logger.Info("node roots created",
		zap.Int("partitions", node.partitions),
		zap.Int("replicas", node.replicas))

	return nil
}

// readPersistedState adopts the persisted partition and virtual-point
// counts. Placement is a function of both, so a node must come back
// with the counts it was written under, not whatever the caller
// configured this time.
func (node *Node) readPersistedState() error {
	return node.view(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		raw, err := meta.Get(metaPartitionCountKey)

		if err != nil {
			return err
		}

		if raw == nil {
			return kv.ErrNoSuchPartition
		}

		node.partitions = int(decodeUint64(raw))

		return node.adoptReplicas(meta)
	})
}

func (node *Node) adoptReplicas(meta kv.MapReader) error {
	raw, err := meta.Get(metaReplicasKey)

	if err != nil {
		return err
	}

	if raw != nil {
		node.replicas = int(decodeUint64(raw))
	}

	return nil
}

// Name returns the name of the node's backing store
func (node *Node) Name() string {
	return node.store.Name()
}

// Store returns the node's backing store
func (node *Node) Store() kv.Store {
	return node.store
}

// Partitions returns the current partition count
func (node *Node) Partitions() int {
	node.mu.RLock()
	defer node.mu.RUnlock()

	return node.partitions
}

// Locate returns the partition index owning this id. It is
// deterministic and stable across calls absent a resize.
func (node *Node) Locate(id string) int {
	node.mu.RLock()
	defer node.mu.RUnlock()

	return node.ring.Locate(id)
}

// Size returns the number of objects stored in the node
func (node *Node) Size() (uint64, error) {
	var size uint64

	err := node.view(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		raw, err := meta.Get(metaSizeKey)

		if err != nil {
			return err
		}

		if raw != nil {
			size = decodeUint64(raw)
		}

		return nil
	})

	return size, err
}

// Exists reports whether the id is present
func (node *Node) Exists(id string) (bool, error) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	var exists bool

	err := node.view(func(txn kv.Transaction) error {
		data, err := node.get(txn, id)

		if err != nil {
			return err
		}

		exists = data != nil

		return nil
	})

	return exists, err
}

// Get returns the crystal stored at this id, or ErrNotFound
func (node *Node) Get(id string) (crystal.Crystal, error) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	var c crystal.Crystal

	err := node.view(func(txn kv.Transaction) error {
		data, err := node.get(txn, id)

		if err != nil {
			return err
		}

		if data == nil {
			return ErrNotFound
		}

		c, err = crystal.Unmarshal(data)

		return err
	})

	if err != nil {
		return crystal.Crystal{}, err
	}

	return c, nil
}

// Save upserts the crystal at this id
func (node *Node) Save(id string, c crystal.Crystal) error {
	node.mu.RLock()
	defer node.mu.RUnlock()

	return node.update(func(txn kv.Transaction) error {
		return node.save(txn, id, c)
	})
}

// Remove deletes the id, or returns ErrNotFound if it is absent
func (node *Node) Remove(id string) error {
	node.mu.RLock()
	defer node.mu.RUnlock()

	return node.update(func(txn kv.Transaction) error {
		data, err := node.get(txn, id)

		if err != nil {
			return err
		}

		if data == nil {
			return ErrNotFound
		}

		m, err := txn.Map(partitionName(node.ring.Locate(id)))

		if err != nil {
			return err
		}

		if err := m.Delete([]byte(id)); err != nil {
			return err
		}

		return node.bumpSize(txn, -1)
	})
}

// Apply applies a batch of buffered writes in one transaction. A nil
// crystal is a tombstone. Scoped transactions commit through here.
func (node *Node) Apply(writes map[string]*crystal.Crystal) error {
	node.mu.RLock()
	defer node.mu.RUnlock()

	return node.update(func(txn kv.Transaction) error {
		var delta int64

		for id, c := range writes {
			m, err := txn.Map(partitionName(node.ring.Locate(id)))

			if err != nil {
				return err
			}

			prev, err := m.Get([]byte(id))

			if err != nil {
				return err
			}

			if c == nil {
				if prev == nil {
					continue
				}

				if err := m.Delete([]byte(id)); err != nil {
					return err
				}

				delta--

				continue
			}

			data, err := crystal.Marshal(*c)

			if err != nil {
				return err
			}

			if err := m.Put([]byte(id), data); err != nil {
				return err
			}

			if prev == nil {
				delta++
			}
		}

		return node.bumpSize(txn, delta)
	})
}

// ForEach visits every stored object. fn returning an error stops the
// walk and surfaces the error.
func (node *Node) ForEach(fn func(id string, c crystal.Crystal) error) error {
	node.mu.RLock()
	partitions := node.partitions
	node.mu.RUnlock()

	for partition := 0; partition < partitions; partition++ {
		if err := node.ForEachIn(partition, fn); err != nil {
			return err
		}
	}

	return nil
}

// ForEachIn visits every object in one partition
func (node *Node) ForEachIn(partition int, fn func(id string, c crystal.Crystal) error) error {
	return node.view(func(txn kv.Transaction) error {
		m, err := txn.Map(partitionName(partition))

		if err != nil {
			return err
		}

		iter, err := m.Keys()

		if err != nil {
			return err
		}

		for iter.Next() {
			c, err := crystal.Unmarshal(iter.Value())

			if err != nil {
				return err
			}

			if err := fn(string(iter.Key()), c); err != nil {
				return err
			}
		}

		return iter.Error()
	})
}

// Expand grows the node to newCount partitions, relocating only the
// ids whose owning arc changed. The bucket creation, the moves, and
// the partition-count record all commit in one transaction, so a
// crash cannot observe a count without its buckets. It returns the
// number of relocated ids.
func (node *Node) Expand(newCount int) (int, error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	if newCount <= node.partitions {
		return 0, fmt.Errorf("cannot expand from %d partitions to %d partitions: %w", node.partitions, newCount, ErrInvalidResize)
	}

	next := node.ring.Grow(newCount)
	relocated := 0

	err := node.update(func(txn kv.Transaction) error {
		for partition := node.partitions; partition < newCount; partition++ {
			if _, err := txn.Ensure(partitionName(partition)); err != nil {
				return err
			}
		}

		for partition := 0; partition < node.partitions; partition++ {
			src, err := txn.Map(partitionName(partition))

			if err != nil {
				return err
			}

			iter, err := src.Keys()

			if err != nil {
				return err
			}

			type move struct {
				key   []byte
				value []byte
				owner int
			}

			moves := []move{}

			for iter.Next() {
				if owner := next.Locate(string(iter.Key())); owner != partition {
					moves = append(moves, move{key: iter.Key(), value: iter.Value(), owner: owner})
				}
			}

			if err := iter.Error(); err != nil {
				return err
			}

			for _, mv := range moves {
				dst, err := txn.Map(partitionName(mv.owner))

				if err != nil {
					return err
				}

				if err := dst.Put(mv.key, mv.value); err != nil {
					return err
				}

				if err := src.Delete(mv.key); err != nil {
					return err
				}

				relocated++
			}
		}

		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		return meta.Put(metaPartitionCountKey, encodeUint64(uint64(newCount)))
	})

	if err != nil {
		return 0, err
	}

	node.logger.Info("node expanded",
		zap.Int("partitions", newCount),
		zap.Int("relocated", relocated))

	node.ring = next
	node.partitions = newCount

	return relocated, nil
}

// CacheState returns the node's cache metadata record
func (node *Node) CacheState() ([]byte, error) {
	var state []byte

	err := node.view(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		state, err = meta.Get(metaCacheKey)

		return err
	})

	return state, err
}

// SetCacheState records the node's cache metadata
func (node *Node) SetCacheState(state []byte) error {
	return node.update(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		return meta.Put(metaCacheKey, state)
	})
}

// MetaGet reads an auxiliary metadata record, nil if unset
func (node *Node) MetaGet(key string) ([]byte, error) {
	var value []byte

	err := node.view(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		value, err = meta.Get(append(metaUserPrefix, key...))

		return err
	})

	return value, err
}

// MetaPut writes an auxiliary metadata record. Migration uses this for
// its per-partition provenance markers.
func (node *Node) MetaPut(key string, value []byte) error {
	return node.update(func(txn kv.Transaction) error {
		meta, err := txn.Map(metaPartition)

		if err != nil {
			return err
		}

		return meta.Put(append(metaUserPrefix, key...), value)
	})
}

func (node *Node) get(txn kv.Transaction, id string) ([]byte, error) {
	m, err := txn.Map(partitionName(node.ring.Locate(id)))

	if err != nil {
		return nil, err
	}

	return m.Get([]byte(id))
}

func (node *Node) save(txn kv.Transaction, id string, c crystal.Crystal) error {
	m, err := txn.Map(partitionName(node.ring.Locate(id)))

	if err != nil {
		return err
	}

	prev, err := m.Get([]byte(id))

	if err != nil {
		return err
	}

	data, err := crystal.Marshal(c)

	if err != nil {
		return err
	}

	if err := m.Put([]byte(id), data); err != nil {
		return err
	}

	if prev == nil {
		return node.bumpSize(txn, 1)
	}

	return nil
}

func (node *Node) bumpSize(txn kv.Transaction, delta int64) error {
	if delta == 0 {
		return nil
	}

	meta, err := txn.Map(metaPartition)

	if err != nil {
		return err
	}

	raw, err := meta.Get(metaSizeKey)

	if err != nil {
		return err
	}

	var size uint64

	if raw != nil {
		size = decodeUint64(raw)
	}

	return meta.Put(metaSizeKey, encodeUint64(uint64(int64(size)+delta)))
}

func (node *Node) update(fn func(txn kv.Transaction) error) error {
	txn, err := node.store.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %s", err)
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %s", err)
	}

	return nil
}

func (node *Node) view(fn func(txn kv.Transaction) error) error {
	txn, err := node.store.Begin(false)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %s", err)
	}

	defer txn.Rollback()

	return fn(txn)
}

func partitionName(partition int) []byte {
	return []byte(fmt.Sprintf("p%08d", partition))
}

func encodeUint64(n uint64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, n)

	return encoded
}

func decodeUint64(encoded []byte) uint64 {
	return binary.BigEndian.Uint64(encoded)
}
