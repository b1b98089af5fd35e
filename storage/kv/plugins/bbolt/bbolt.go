package bbolt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jrife/geode/storage/kv"
)

const (
	DriverName  = "bbolt"
	storeSuffix = ".db"
)

func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&Plugin{},
	}
}

type Plugin struct {
}

func (plugin *Plugin) Name() string {
	return DriverName
}

func (plugin *Plugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	path, ok := options["path"]

	if !ok {
		return nil, fmt.Errorf("\"path\" is required")
	}

	pathString, ok := path.(string)

	if !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	}

	return New(pathString)
}

func (plugin *Plugin) NewTempRootStore() (kv.RootStore, error) {
	return plugin.NewRootStore(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("geode-%s", uuid.NewString())),
	})
}

var _ kv.RootStore = (*RootStore)(nil)

// RootStore is a directory holding one bbolt database file per store.
// Stores can be created and deleted independently, which is what lets
// a retired node set be dropped without touching its successor.
type RootStore struct {
	dir    string
	mu     sync.Mutex
	dbs    map[string]*bolt.DB
	closed bool
}

func New(dir string) (*RootStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create root store directory %s: %s", dir, err)
	}

	return &RootStore{
		dir: dir,
		dbs: map[string]*bolt.DB{},
	}, nil
}

func (root *RootStore) Close() error {
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.closed {
		return nil
	}

	root.closed = true

	for name, db := range root.dbs {
		if err := db.Close(); err != nil {
			return fmt.Errorf("could not close store %s: %s", name, err)
		}

		delete(root.dbs, name)
	}

	return nil
}

func (root *RootStore) Delete() error {
	if err := root.Close(); err != nil {
		return fmt.Errorf("could not close root store: %s", err)
	}

	if err := os.RemoveAll(root.dir); err != nil {
		return fmt.Errorf("could not remove path %s: %s", root.dir, err)
	}

	return nil
}

func (root *RootStore) Stores() ([]string, error) {
	root.mu.Lock()

	if root.closed {
		root.mu.Unlock()

		return nil, kv.ErrClosed
	}

	root.mu.Unlock()

	entries, err := os.ReadDir(root.dir)

	if err != nil {
		return nil, fmt.Errorf("could not list %s: %s", root.dir, err)
	}

	names := []string{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), storeSuffix) {
			continue
		}

		names = append(names, strings.TrimSuffix(entry.Name(), storeSuffix))
	}

	sort.Strings(names)

	return names, nil
}

func (root *RootStore) Store(name string) kv.Store {
	return &Store{root: root, name: name}
}

func (root *RootStore) path(name string) string {
	return filepath.Join(root.dir, name+storeSuffix)
}

// open returns the bolt handle for a store, opening the file lazily.
// create controls whether a missing file is created.
func (root *RootStore) open(name string, create bool) (*bolt.DB, error) {
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.closed {
		return nil, kv.ErrClosed
	}

	if db, ok := root.dbs[name]; ok {
		return db, nil
	}

	path := root.path(name)

	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, kv.ErrNoSuchStore
			}

			return nil, fmt.Errorf("could not stat %s: %s", path, err)
		}
	}

	db, err := bolt.Open(path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", path, err)
	}

	root.dbs[name] = db

	return db, nil
}

func (root *RootStore) drop(name string) error {
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.closed {
		return kv.ErrClosed
	}

	if db, ok := root.dbs[name]; ok {
		if err := db.Close(); err != nil {
			return fmt.Errorf("could not close store %s: %s", name, err)
		}

		delete(root.dbs, name)
	}

	if err := os.Remove(root.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove %s: %s", root.path(name), err)
	}

	return nil
}

var _ kv.Store = (*Store)(nil)

type Store struct {
	root *RootStore
	name string
}

func (store *Store) Name() string {
	return store.name
}

func (store *Store) Create() error {
	_, err := store.root.open(store.name, true)

	return err
}

func (store *Store) Delete() error {
	return store.root.drop(store.name)
}

func (store *Store) Partitions(limit int) ([][]byte, error) {
	db, err := store.root.open(store.name, false)

	if err != nil {
		return nil, err
	}

	partitions := [][]byte{}

	err = db.View(func(txn *bolt.Tx) error {
		return txn.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			if limit >= 0 && len(partitions) >= limit {
				return nil
			}

			partitions = append(partitions, append([]byte(nil), name...))

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("could not list partitions: %s", err)
	}

	return partitions, nil
}

func (store *Store) Begin(writable bool) (kv.Transaction, error) {
	db, err := store.root.open(store.name, false)

	if err != nil {
		return nil, err
	}

	txn, err := db.Begin(writable)

	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %s", err)
	}

	return &transaction{txn: txn}, nil
}

var _ kv.Transaction = (*transaction)(nil)

type transaction struct {
	txn *bolt.Tx
}

func (transaction *transaction) Map(partition []byte) (kv.Map, error) {
	bucket := transaction.txn.Bucket(partition)

	if bucket == nil {
		return nil, kv.ErrNoSuchPartition
	}

	return &boltMap{bucket: bucket}, nil
}

func (transaction *transaction) Ensure(partition []byte) (kv.Map, error) {
	if !transaction.txn.Writable() {
		return nil, kv.ErrReadOnly
	}

	bucket, err := transaction.txn.CreateBucketIfNotExists(partition)

	if err != nil {
		return nil, fmt.Errorf("could not create partition %s: %s", partition, err)
	}

	return &boltMap{bucket: bucket}, nil
}

func (transaction *transaction) Commit() error {
	return transaction.txn.Commit()
}

func (transaction *transaction) Rollback() error {
	if err := transaction.txn.Rollback(); err != nil && err != bolt.ErrTxClosed {
		return err
	}

	return nil
}

var _ kv.Map = (*boltMap)(nil)

type boltMap struct {
	bucket *bolt.Bucket
}

func (m *boltMap) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be nil or empty")
	}

	if len(value) == 0 {
		return fmt.Errorf("value must not be nil or empty")
	}

	return m.bucket.Put(key, value)
}

func (m *boltMap) Delete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be nil or empty")
	}

	return m.bucket.Delete(key)
}

func (m *boltMap) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("key must not be nil or empty")
	}

	value := m.bucket.Get(key)

	if value == nil {
		return nil, nil
	}

	return append([]byte(nil), value...), nil
}

func (m *boltMap) Keys() (kv.Iterator, error) {
	return &iterator{cursor: m.bucket.Cursor()}, nil
}

var _ kv.Iterator = (*iterator)(nil)

type iterator struct {
	cursor  *bolt.Cursor
	started bool
	key     []byte
	value   []byte
}

func (iter *iterator) Next() bool {
	var k, v []byte

	if !iter.started {
		iter.started = true
		k, v = iter.cursor.First()
	} else {
		k, v = iter.cursor.Next()
	}

	// skip nested buckets
	for k != nil && v == nil {
		k, v = iter.cursor.Next()
	}

	if k == nil {
		iter.key = nil
		iter.value = nil

		return false
	}

	iter.key = append([]byte(nil), k...)
	iter.value = append([]byte(nil), v...)

	return true
}

func (iter *iterator) Key() []byte {
	return iter.key
}

func (iter *iterator) Value() []byte {
	return iter.value
}

func (iter *iterator) Error() error {
	return nil
}
