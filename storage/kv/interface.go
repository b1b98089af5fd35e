package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the root store was closed
	ErrClosed = errors.New("root store was closed")
	// ErrNoSuchStore indicates that the store doesn't exist. Either it hasn't been created or was deleted
	ErrNoSuchStore = errors.New("store does not exist")
	// ErrNoSuchPartition indicates that the partition doesn't exist. Either it hasn't been created or was deleted
	ErrNoSuchPartition = errors.New("partition does not exist")
	// ErrReadOnly indicates a write attempted inside a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
)

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewRootStore returns an instance of the plugin root store
	NewRootStore(options PluginOptions) (RootStore, error)
	// NewTempRootStore returns an instance of the plugin root store
	// initialized with some sane defaults. It is meant for tests that
	// need an initialized instance of the plugin's store without
	// knowing how to initialize it
	NewTempRootStore() (RootStore, error)
}

// PluginOptions is a generic structure for passing options to a plugin
type PluginOptions map[string]interface{}

// RootStore is the parent store from which all stores are descended.
// Each store under a root store is an independent database: deleting
// one store must not disturb its siblings.
type RootStore interface {
	// Delete closes then deletes this store and all its contents.
	// If the root store doesn't exist it should return nil and have
	// no effect.
	Delete() error
	// Close closes the store. Function calls to any I/O objects
	// descended from this store occurring after Close returns
	// must have no effect and return ErrClosed. Close must not
	// return until all transactions have either rolled back or
	// committed.
	Close() error
	// Stores lists all the stores inside this root store by name,
	// in ascending lexicographical order. It must return ErrClosed
	// if its invocation starts after Close() returns.
	Stores() ([]string, error)
	// Store returns a handle for the store with this name. It does not
	// guarantee that this store exists yet and should not create the
	// store. It must not return nil.
	Store(name string) Store
}

// Store is a reference to a single database holding a set of named
// partitions. Transactions span every partition of the store, so a
// consumer can move keys between partitions atomically.
type Store interface {
	// Name returns the name of this store.
	Name() string
	// Create creates this store if it does not exist. It has no
	// effect if the store already exists. It must return ErrClosed
	// if its invocation starts after Close() on the root store returns
	Create() error
	// Delete deletes this store if it exists. It has no effect
	// if the store does not exist. It must return ErrClosed if
	// its invocation starts after Close() on the root store returns.
	Delete() error
	// Partitions lists up to limit partitions in this store in
	// ascending lexicographical order. limit < 0 indicates no limit.
	// It must return ErrNoSuchStore if this store does not exist.
	Partitions(limit int) ([][]byte, error)
	// Begin starts a transaction covering every partition of this
	// store. writable should be true for read-write transactions and
	// false for read-only transactions. It must return ErrClosed after
	// the root store is closed and ErrNoSuchStore if this store does
	// not exist. Strict-serializability must be enforced on all
	// transactions within a store: a transaction that begins after
	// another transaction ends shall observe the effects of the first
	// transaction.
	Begin(writable bool) (Transaction, error)
}

// Transaction is a transaction for a store. It must only be
// used by one goroutine at a time.
type Transaction interface {
	// Map returns the sorted key-value map for the named partition.
	// It must return ErrNoSuchPartition if the partition has not
	// been created.
	Map(partition []byte) (Map, error)
	// Ensure returns the sorted key-value map for the named partition,
	// creating the partition if it does not exist. It must return
	// ErrReadOnly inside a read-only transaction.
	Ensure(partition []byte) (Map, error)
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction. Rolling back after a
	// commit has no effect.
	Rollback() error
}

// MapUpdater is an interface for updating a sorted
// key-value map
type MapUpdater interface {
	// Put puts a key. Put must return an error
	// if either key or value is nil or empty.
	Put(key, value []byte) error
	// Delete deletes a key. It must return an error if the key
	// is nil or empty. If the key doesn't exist it has no effect
	// and returns nil.
	Delete(key []byte) error
}

// MapReader is an interface for reading a sorted
// key-value map
type MapReader interface {
	// Get gets a key. It must observe updates to that key made
	// previously by this transaction. Get must return an error
	// if the key is nil or empty. It must return nil if the
	// requested key does not exist.
	Get(key []byte) ([]byte, error)
	// Keys creates an iterator over every key in the map in
	// ascending order.
	Keys() (Iterator, error)
}

// Map combines MapReader and MapUpdater
type Map interface {
	MapUpdater
	MapReader
}

// Iterator iterates over a set of keys. It must only be
// used by one goroutine at a time. Consumers should not
// attempt to use an iterator once its parent transaction
// has been rolled back. Behavior is undefined in this case.
type Iterator interface {
	// Next advances the iterator to the next key.
	// A fresh iterator must call Next once to
	// advance to the first key. Next returns false
	// if there is no next key or if it encounters an
	// error.
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any.
	Error() error
}
