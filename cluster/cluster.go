package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/geode/cache"
	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/metrics"
	"github.com/jrife/geode/storage/kv"
	"github.com/jrife/geode/storage/node"
	"github.com/jrife/geode/utils/log"
)

var (
	// ErrValidationFailed indicates a cutover was refused because the
	// candidate set is not equivalent to the primary
	ErrValidationFailed = errors.New("node set validation failed")
	// ErrMigrationAborted indicates a migration was canceled mid-copy.
	// Both sets remain readable and the migration is safe to retry.
	ErrMigrationAborted = errors.New("migration aborted")
	// ErrInvalidState indicates an operation not valid in the
	// manager's current state
	ErrInvalidState = errors.New("operation not valid in current state")
)

// State is the manager's position in the resize state machine
type State int

const (
	// StateStable means a single primary node set is serving normally
	StateStable State = iota
	// StateResizing means a candidate node set is being populated
	StateResizing
	// StateValidating means the candidate is being compared to the primary
	StateValidating
	// StateCutover means the primary pointer is being swapped
	StateCutover
	// StateAborted is the transient state on the way back to stable
	// after a failed resize
	StateAborted
)

func (state State) String() string {
	switch state {
	case StateStable:
		return "stable"
	case StateResizing:
		return "resizing"
	case StateValidating:
		return "validating"
	case StateCutover:
		return "cutover"
	case StateAborted:
		return "aborted"
	}

	return "unknown"
}

// FieldExtractor pulls the indexed (field, value) pairs out of a
// domain object. It is supplied by the domain layer; objects with no
// extractor are simply not indexed.
type FieldExtractor func(obj crystal.Object) map[string]string

// Config configures a Manager
type Config struct {
	// Store is the root store holding every node set
	Store kv.RootStore
	// Crystallizer translates objects to and from crystals
	Crystallizer crystal.Crystallizer
	// Fields extracts indexed fields, may be nil
	Fields FieldExtractor
	// Hot is the shared hot cache, one is built if nil
	Hot *cache.HotCache
	// Logger defaults to a nop logger
	Logger *zap.Logger

	// Nodes is the node count for a fresh cluster
	Nodes int
	// PartitionsPerNode is the partition count for fresh nodes
	PartitionsPerNode int
	// VirtualPoints is the ring's virtual point count per member
	VirtualPoints int
	// GrowthThreshold is the mean objects-per-partition load at which
	// MaybeGrow starts a resize
	GrowthThreshold uint64
	// AutoResize enables MaybeGrow evaluation
	AutoResize bool
	// ResizeInterval is the cadence of the background MaybeGrow loop
	ResizeInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Hot == nil {
		cfg.Hot = cache.NewHotCache()
	}

	if cfg.Nodes < 1 {
		cfg.Nodes = 2
	}

	if cfg.PartitionsPerNode < 1 {
		cfg.PartitionsPerNode = 4
	}

	if cfg.VirtualPoints < 1 {
		cfg.VirtualPoints = node.DefaultVirtualPoints
	}

	if cfg.GrowthThreshold == 0 {
		cfg.GrowthThreshold = 64
	}

	if cfg.ResizeInterval <= 0 {
		cfg.ResizeInterval = time.Minute
	}

	return cfg
}

// Manager owns the cluster's node sets: it routes CRUD to the primary
// set, maintains the index, decides when to grow, migrates objects
// into candidate sets, validates them, and performs the primary
// cutover. Cutover is the only global critical section; every other
// operation holds at most a read lock on the primary pointer.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	hot    *cache.HotCache
	index  *Index

	mu         sync.RWMutex
	state      State
	generation uint64
	points     int
	primary    *NodeSet
	candidate  *NodeSet
	sets       map[string]*NodeSet
	validated  map[string]bool
	autoResize bool

	done chan struct{}
}

// New opens a manager over the root store. An existing cluster is
// picked up where it left off: the manifest records which generation
// is primary and how many nodes it has.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	manager := &Manager{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("component", "cluster")),
		hot:        cfg.Hot,
		index:      NewIndex(),
		state:      StateStable,
		sets:       map[string]*NodeSet{},
		validated:  map[string]bool{},
		autoResize: cfg.AutoResize,
		done:       make(chan struct{}),
	}

	recorded, ok, err := manager.readManifest()

	if err != nil {
		return nil, fmt.Errorf("could not read manifest: %s", err)
	}

	if !ok {
		recorded = manifest{generation: 0, nodes: cfg.Nodes, points: cfg.VirtualPoints}

		if err := manager.writeManifest(recorded); err != nil {
			return nil, fmt.Errorf("could not initialize manifest: %s", err)
		}
	}

	primary, err := OpenNodeSet(cfg.Store, genName(recorded.generation), recorded.nodes, cfg.PartitionsPerNode, recorded.points, manager.logger)

	if err != nil {
		return nil, fmt.Errorf("could not open primary node set: %s", err)
	}

	manager.generation = recorded.generation
	manager.points = recorded.points
	manager.primary = primary
	manager.sets[primary.Name()] = primary

	if err := manager.rebuildIndex(primary); err != nil {
		return nil, fmt.Errorf("could not rebuild index: %s", err)
	}

	manager.logger.Info("cluster opened",
		zap.String("primary", primary.Name()),
		zap.Int("nodes", len(primary.Nodes())))

	return manager, nil
}

// Start launches the background auto-resize loop
func (manager *Manager) Start() {
	go func() {
		ticker := time.NewTicker(manager.cfg.ResizeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := manager.MaybeGrow(context.Background()); err != nil {
					manager.logger.Warn("auto resize failed", zap.Error(err))
				}
			case <-manager.done:
				return
			}
		}
	}()
}

// Close stops the background loop. The root store is the caller's to
// close.
func (manager *Manager) Close() {
	close(manager.done)
}

// Create stores a new object in the primary set and indexes it
func (manager *Manager) Create(ctx context.Context, obj crystal.Object) (crystal.Object, error) {
	id := obj.ObjectID()

	session, err := manager.session(id)

	if err != nil {
		return nil, err
	}

	created, err := session.Create(ctx, obj)

	metrics.Operations.WithLabelValues("create", outcome(err)).Inc()

	if err != nil {
		return nil, err
	}

	manager.index.Put(manager.fields(obj), id)
	manager.opLogger(ctx).Debug("object created", zap.String("id", id))

	return created, nil
}

// Read returns the object stored at this id, consulting the hot cache
// before touching a partition
func (manager *Manager) Read(ctx context.Context, id string) (crystal.Object, error) {
	primary := manager.Primary()

	// the fence is taken before the load so a write landing between
	// the partition read and the promotion voids the promotion
	fence := manager.hot.Fence(id)

	c, hit, err := manager.hot.GetOrLoad(id, func() (crystal.Crystal, error) {
		return primary.Locate(id).Get(id)
	})

	metrics.Operations.WithLabelValues("read", outcome(err)).Inc()

	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return nil, fmt.Errorf("object %q: %w", id, node.ErrNotFound)
		}

		return nil, err
	}

	if cache.TrackerFromContext(ctx).RecordAccess(id) && !hit {
		manager.hot.PutIfCurrent(id, c, fence)
	}

	return crystal.FromContext(ctx).Reconstruct(manager.cfg.Crystallizer, c)
}

// ReadMany returns the objects stored at the given ids, skipping
// absent ones
func (manager *Manager) ReadMany(ctx context.Context, ids []string) ([]crystal.Object, error) {
	objects := []crystal.Object{}

	for _, id := range ids {
		obj, err := manager.Read(ctx, id)

		if errors.Is(err, node.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		objects = append(objects, obj)
	}

	return objects, nil
}

// Update upserts the object, refreshes its index entries and drops
// any stale hot copy
func (manager *Manager) Update(ctx context.Context, obj crystal.Object) error {
	id := obj.ObjectID()

	old, err := manager.lookup(id)

	if err != nil && !errors.Is(err, node.ErrNotFound) {
		return err
	}

	session, err := manager.session(id)

	if err != nil {
		return err
	}

	err = session.Update(ctx, obj)

	metrics.Operations.WithLabelValues("update", outcome(err)).Inc()

	if err != nil {
		return err
	}

	manager.hot.Evict(id)

	if old != nil {
		manager.index.Remove(manager.fields(old), id)
	}

	manager.index.Put(manager.fields(obj), id)
	manager.opLogger(ctx).Debug("object updated", zap.String("id", id))

	return nil
}

// Delete removes the object, its index entries and any hot copy
func (manager *Manager) Delete(ctx context.Context, id string) error {
	old, err := manager.lookup(id)

	if errors.Is(err, node.ErrNotFound) {
		metrics.Operations.WithLabelValues("delete", "error").Inc()

		return fmt.Errorf("object %q: %w", id, node.ErrNotFound)
	}

	if err != nil {
		return err
	}

	session, err := manager.session(id)

	if err != nil {
		return err
	}

	err = session.Delete(ctx, id)

	metrics.Operations.WithLabelValues("delete", outcome(err)).Inc()

	if err != nil {
		return err
	}

	manager.hot.Evict(id)
	manager.index.Remove(manager.fields(old), id)
	manager.opLogger(ctx).Debug("object deleted", zap.String("id", id))

	return nil
}

// Query evaluates the predicate against the index and returns the
// matching ids
func (manager *Manager) Query(predicate Predicate) []string {
	return manager.index.Query(predicate)
}

// Session opens a transactional session on the node owning this id,
// for callers that need several operations to commit together. The
// session is bound to that one node, so every id written through it
// must locate to the same node as the opening id. Writes applied
// through the session are reported back to the manager, which evicts
// their hot copies and refreshes their index entries.
func (manager *Manager) Session(id string) (*node.Session, error) {
	session, err := manager.session(id)

	if err != nil {
		return nil, err
	}

	session.OnApply(manager.reconcile)

	return session, nil
}

// reconcile brings the index and the hot cache up to date with a write
// set applied outside the manager's own CRUD paths
func (manager *Manager) reconcile(writes map[string]*crystal.Crystal) {
	for id, c := range writes {
		manager.hot.Evict(id)
		manager.index.Drop(id)

		if c == nil || manager.cfg.Fields == nil {
			continue
		}

		obj, err := manager.cfg.Crystallizer.Reconstruct(*c)

		if err != nil {
			manager.logger.Warn("could not reindex object",
				zap.String("id", id),
				zap.Error(err))

			continue
		}

		manager.index.Put(manager.cfg.Fields(obj), id)
	}
}

// Primary returns the current primary node set
func (manager *Manager) Primary() *NodeSet {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	return manager.primary
}

// State returns the manager's current state
func (manager *Manager) State() State {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	return manager.state
}

// EnableAutoResize turns automatic growth evaluation on
func (manager *Manager) EnableAutoResize() {
	manager.mu.Lock()
	manager.autoResize = true
	manager.mu.Unlock()
}

// DisableAutoResize turns automatic growth evaluation off
func (manager *Manager) DisableAutoResize() {
	manager.mu.Lock()
	manager.autoResize = false
	manager.mu.Unlock()
}

// AutoResizeEnabled reports whether MaybeGrow is evaluated
func (manager *Manager) AutoResizeEnabled() bool {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	return manager.autoResize
}

// MaybeGrow compares the primary set's load to the growth threshold
// and, when auto-resize is enabled and the threshold is crossed, runs
// a full resize to double the node count. It is a no-op when
// auto-resize is disabled or a resize is already in flight.
func (manager *Manager) MaybeGrow(ctx context.Context) error {
	manager.mu.RLock()
	enabled := manager.autoResize
	state := manager.state
	primary := manager.primary
	manager.mu.RUnlock()

	if !enabled || state != StateStable {
		return nil
	}

	size, err := primary.Size()

	if err != nil {
		return fmt.Errorf("could not size primary set: %s", err)
	}

	load := size / uint64(primary.Partitions())

	if load <= manager.cfg.GrowthThreshold {
		return nil
	}

	manager.logger.Info("growth threshold crossed",
		zap.Uint64("load", load),
		zap.Uint64("threshold", manager.cfg.GrowthThreshold))

	return manager.Resize(ctx, 2*len(primary.Nodes()))
}

// Resize migrates to a set with the requested node count, validates
// it and cuts over. The old set is retained until retired.
func (manager *Manager) Resize(ctx context.Context, nodeCount int) error {
	candidate, err := manager.Migrate(ctx, nodeCount)

	if err != nil {
		return err
	}

	ok, err := manager.Validate(ctx, candidate)

	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("candidate %s (version %s): %w", candidate.Name(), candidate.Version(), ErrValidationFailed)
	}

	return manager.Cutover(ctx, candidate)
}

// Migrate builds (or resumes) the candidate node set with the
// requested node count and copies every id of the primary into it
// using the stable addressing scheme. The copy is resumable: retrying
// after a cancellation or crash skips completed partitions.
func (manager *Manager) Migrate(ctx context.Context, nodeCount int) (*NodeSet, error) {
	manager.mu.Lock()

	if manager.state != StateStable && manager.state != StateResizing {
		state := manager.state
		manager.mu.Unlock()

		return nil, fmt.Errorf("cannot migrate while %s: %w", state, ErrInvalidState)
	}

	if nodeCount <= len(manager.primary.Nodes()) {
		current := len(manager.primary.Nodes())
		manager.mu.Unlock()

		return nil, fmt.Errorf("cannot migrate from %d nodes to %d nodes: %w", current, nodeCount, node.ErrInvalidResize)
	}

	if manager.candidate != nil && len(manager.candidate.Nodes()) != nodeCount {
		name := manager.candidate.Name()
		manager.mu.Unlock()

		return nil, fmt.Errorf("candidate %s already in progress with a different node count: %w", name, ErrInvalidState)
	}

	if manager.candidate == nil {
		candidate, err := OpenNodeSet(manager.cfg.Store, genName(manager.generation+1), nodeCount, manager.cfg.PartitionsPerNode, manager.points, manager.logger)

		if err != nil {
			manager.mu.Unlock()

			return nil, fmt.Errorf("could not open candidate node set: %s", err)
		}

		manager.candidate = candidate
	}

	manager.state = StateResizing
	source := manager.primary
	target := manager.candidate
	manager.mu.Unlock()

	metrics.Migrations.Inc()
	manager.logger.Info("migration started",
		zap.String("source", source.Name()),
		zap.String("target", target.Name()),
		zap.Int("nodes", nodeCount))

	if err := migrate(ctx, source, target, manager.logger); err != nil {
		if errors.Is(err, ErrMigrationAborted) || errors.Is(err, context.Canceled) {
			manager.abort("migration canceled")
		} else {
			manager.abort("migration failed")
		}

		return nil, err
	}

	manager.mu.Lock()
	manager.state = StateValidating
	manager.mu.Unlock()

	manager.logger.Info("migration finished", zap.String("target", target.Name()))

	return target, nil
}

// Validate compares the candidate against the primary. A passing
// candidate is remembered and may be cut over; a failing one is
// dropped so the next migration starts clean.
func (manager *Manager) Validate(ctx context.Context, candidate *NodeSet) (bool, error) {
	primary := manager.Primary()

	ok, err := ValidateSets(primary, candidate)

	if err != nil {
		return false, fmt.Errorf("could not validate %s against %s: %s", candidate.Name(), primary.Name(), err)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	if ok {
		manager.validated[candidate.Version().String()] = true

		if manager.state == StateValidating {
			manager.state = StateCutover
		}

		return true, nil
	}

	manager.logger.Error("validation failed",
		zap.String("candidate", candidate.Name()),
		zap.String("version", candidate.Version().String()))

	if manager.candidate == candidate {
		manager.candidate = nil

		if err := candidate.Delete(); err != nil {
			manager.logger.Warn("could not delete failed candidate", zap.Error(err))
		}
	}

	if manager.state == StateValidating {
		manager.state = StateAborted
		manager.logger.Warn("resize aborted", zap.String("reason", "validation failed"))
		manager.state = StateStable
	}

	return false, nil
}

// Cutover atomically makes the candidate the primary node set. It
// refuses candidates that have not passed validation. In-flight
// sessions against the old primary finish against it; new operations
// resolve against the new primary. The old set is retained until
// Retire.
func (manager *Manager) Cutover(ctx context.Context, candidate *NodeSet) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if !manager.validated[candidate.Version().String()] {
		return fmt.Errorf("node set %s (version %s): %w", candidate.Name(), candidate.Version(), ErrValidationFailed)
	}

	manager.state = StateCutover

	next := manifest{
		generation: manager.generation + 1,
		nodes:      len(candidate.Nodes()),
		points:     manager.points,
	}

	if err := manager.writeManifest(next); err != nil {
		manager.state = StateStable

		return fmt.Errorf("could not update manifest: %s", err)
	}

	old := manager.primary
	manager.primary = candidate
	manager.sets[candidate.Name()] = candidate

	if manager.candidate == candidate {
		manager.candidate = nil
	}

	manager.generation++
	manager.state = StateStable

	manager.logger.Info("cutover complete",
		zap.String("old", old.Name()),
		zap.String("new", candidate.Name()))

	return nil
}

// Retire deletes a non-primary node set's stores
func (manager *Manager) Retire(set *NodeSet) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if set == manager.primary {
		return fmt.Errorf("cannot retire the primary node set %s", set.Name())
	}

	delete(manager.sets, set.Name())

	if err := set.Delete(); err != nil {
		return fmt.Errorf("could not retire node set %s: %s", set.Name(), err)
	}

	manager.logger.Info("node set retired", zap.String("set", set.Name()))

	return nil
}

func (manager *Manager) abort(reason string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	manager.state = StateAborted
	manager.logger.Warn("resize aborted", zap.String("reason", reason))
	manager.state = StateStable
}

func (manager *Manager) session(id string) (*node.Session, error) {
	primary := manager.Primary()

	return node.NewSession(primary.Locate(id), manager.cfg.Crystallizer, manager.logger)
}

// opLogger resolves the operation logger through the context so
// callers that attached a logger or log fields see them on the
// manager's own log lines
func (manager *Manager) opLogger(ctx context.Context) *zap.Logger {
	logger, _ := log.LoggerFromContext(ctx, manager.logger)

	return log.WithContext(ctx, logger)
}

// lookup reconstructs the currently stored object without touching
// any context cache; index maintenance needs the old value, not a
// memoized one
func (manager *Manager) lookup(id string) (crystal.Object, error) {
	c, err := manager.Primary().Locate(id).Get(id)

	if err != nil {
		return nil, err
	}

	return manager.cfg.Crystallizer.Reconstruct(c)
}

func (manager *Manager) fields(obj crystal.Object) map[string]string {
	if manager.cfg.Fields == nil {
		return nil
	}

	return manager.cfg.Fields(obj)
}

func (manager *Manager) rebuildIndex(set *NodeSet) error {
	if manager.cfg.Fields == nil {
		return nil
	}

	return set.ForEach(func(id string, c crystal.Crystal) error {
		obj, err := manager.cfg.Crystallizer.Reconstruct(c)

		if err != nil {
			return err
		}

		manager.index.Put(manager.cfg.Fields(obj), id)

		return nil
	})
}

const manifestStore = "manifest"

var (
	manifestPartition     = []byte("state")
	manifestGenerationKey = []byte("generation")
	manifestNodesKey      = []byte("nodes")
	manifestPointsKey     = []byte("points")
)

// manifest is the durable record of the cluster's topology: which
// generation is primary, how many nodes it has, and the virtual-point
// count every ring is built with. Placement depends on all three, so
// a reopen must use the persisted values over live configuration.
type manifest struct {
	generation uint64
	nodes      int
	points     int
}

func (manager *Manager) readManifest() (manifest, bool, error) {
	store := manager.cfg.Store.Store(manifestStore)

	if err := store.Create(); err != nil {
		return manifest{}, false, err
	}

	txn, err := store.Begin(false)

	if err != nil {
		return manifest{}, false, err
	}

	defer txn.Rollback()

	m, err := txn.Map(manifestPartition)

	if err == kv.ErrNoSuchPartition {
		return manifest{}, false, nil
	}

	if err != nil {
		return manifest{}, false, err
	}

	records := map[string][]byte{}

	for _, key := range [][]byte{manifestGenerationKey, manifestNodesKey, manifestPointsKey} {
		raw, err := m.Get(key)

		if err != nil {
			return manifest{}, false, err
		}

		if raw == nil {
			return manifest{}, false, nil
		}

		records[string(key)] = raw
	}

	return manifest{
		generation: binary.BigEndian.Uint64(records[string(manifestGenerationKey)]),
		nodes:      int(binary.BigEndian.Uint64(records[string(manifestNodesKey)])),
		points:     int(binary.BigEndian.Uint64(records[string(manifestPointsKey)])),
	}, true, nil
}

func (manager *Manager) writeManifest(m manifest) error {
	store := manager.cfg.Store.Store(manifestStore)

	if err := store.Create(); err != nil {
		return err
	}

	txn, err := store.Begin(true)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	state, err := txn.Ensure(manifestPartition)

	if err != nil {
		return err
	}

	if err := state.Put(manifestGenerationKey, encodeUint64(m.generation)); err != nil {
		return err
	}

	if err := state.Put(manifestNodesKey, encodeUint64(uint64(m.nodes))); err != nil {
		return err
	}

	if err := state.Put(manifestPointsKey, encodeUint64(uint64(m.points))); err != nil {
		return err
	}

	return txn.Commit()
}

func genName(generation uint64) string {
	return fmt.Sprintf("gen%04d", generation)
}

func encodeUint64(n uint64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, n)

	return encoded
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
