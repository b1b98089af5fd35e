package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrife/geode/crystal"
)

// Session is a scoped unit of work over one node. Every CRUD call is
// atomic on its own: it opens, applies and commits a storage
// transaction before returning. A caller needing several operations to
// commit together acquires a scoped transaction with Begin; while the
// handle is open all operations buffer in memory, reads observe the
// buffered overlay, and the handle's Commit applies everything in one
// storage transaction (Abort applies nothing).
//
// A session must only be used by one goroutine at a time; it belongs
// to one execution context, like the crystallization cache it consults
// through the context.
type Session struct {
	node         *Node
	crystallizer crystal.Crystallizer
	logger       *zap.Logger
	txn          *Txn
	onApply      func(writes map[string]*crystal.Crystal)
}

// NewSession opens a session over the node. Opening ensures the node's
// root containers and metadata records exist; failure to do so is
// unrecoverable for the session.
func NewSession(node *Node, crystallizer crystal.Crystallizer, logger *zap.Logger) (*Session, error) {
	if err := node.ensureRoots(); err != nil {
		return nil, fmt.Errorf("could not open session on node %s: %s", node.Name(), err)
	}

	return &Session{
		node:         node,
		crystallizer: crystallizer,
		logger:       logger.With(zap.String("node", node.Name())),
	}, nil
}

// Node returns the node this session wraps
func (session *Session) Node() *Node {
	return session.node
}

// OnApply registers fn to run after a write set becomes durable: once
// per autocommitted call and once per committed scoped transaction. A
// nil crystal in the write set is a delete. Consumers that keep
// derived state (indexes, caches) in step with the node register here.
func (session *Session) OnApply(fn func(writes map[string]*crystal.Crystal)) {
	session.onApply = fn
}

func (session *Session) notify(writes map[string]*crystal.Crystal) {
	if session.onApply != nil {
		session.onApply(writes)
	}
}

// Create stores a new object and returns it. It fails with
// ErrAlreadyExists if the id is present.
func (session *Session) Create(ctx context.Context, obj crystal.Object) (crystal.Object, error) {
	id := obj.ObjectID()

	exists, err := session.exists(id)

	if err != nil {
		return nil, err
	}

	if exists {
		return nil, fmt.Errorf("object %q: %w", id, ErrAlreadyExists)
	}

	cache := crystal.FromContext(ctx)
	cache.Forget(id)

	c, err := cache.Crystallize(session.crystallizer, obj)

	if err != nil {
		return nil, err
	}

	if err := session.put(id, c); err != nil {
		return nil, err
	}

	return obj, nil
}

// Read reconstructs the object stored at this id. It fails with
// ErrNotFound if the id is absent.
func (session *Session) Read(ctx context.Context, id string) (crystal.Object, error) {
	c, err := session.getCrystal(id)

	if err != nil {
		return nil, err
	}

	return crystal.FromContext(ctx).Reconstruct(session.crystallizer, c)
}

// ReadMany reconstructs the objects stored at the given ids. Absent
// ids are skipped, not errors.
func (session *Session) ReadMany(ctx context.Context, ids []string) ([]crystal.Object, error) {
	objects := []crystal.Object{}

	for _, id := range ids {
		obj, err := session.Read(ctx, id)

		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		objects = append(objects, obj)
	}

	return objects, nil
}

// Update upserts the object unconditionally. Callers needing
// optimistic concurrency must check Exists first.
func (session *Session) Update(ctx context.Context, obj crystal.Object) error {
	id := obj.ObjectID()

	cache := crystal.FromContext(ctx)
	cache.Forget(id)

	c, err := cache.Crystallize(session.crystallizer, obj)

	if err != nil {
		return err
	}

	return session.put(id, c)
}

// Delete removes the object at this id. It fails with ErrNotFound if
// the id is absent.
func (session *Session) Delete(ctx context.Context, id string) error {
	exists, err := session.exists(id)

	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("object %q: %w", id, ErrNotFound)
	}

	crystal.FromContext(ctx).Forget(id)

	if session.txn != nil {
		session.txn.writes[id] = nil

		return nil
	}

	if err := session.node.Remove(id); err != nil {
		return err
	}

	session.notify(map[string]*crystal.Crystal{id: nil})

	return nil
}

// Exists reports whether the id is present, observing any open scoped
// transaction's buffered writes.
func (session *Session) Exists(id string) (bool, error) {
	return session.exists(id)
}

// Begin acquires the session's scoped transaction. Only one may be
// open at a time; a reentrant acquisition fails with
// ErrTransactionAlreadyOpen. Callers should `defer txn.Abort()`
// immediately: Abort after Commit has no effect, and this guarantees
// the transaction resolves on every exit path.
func (session *Session) Begin() (*Txn, error) {
	if session.txn != nil {
		return nil, ErrTransactionAlreadyOpen
	}

	txn := &Txn{
		session: session,
		id:      uuid.New(),
		writes:  map[string]*crystal.Crystal{},
	}

	session.txn = txn
	session.logger.Info("transaction started", zap.String("transaction", txn.id.String()))

	return txn, nil
}

func (session *Session) exists(id string) (bool, error) {
	if session.txn != nil {
		if c, buffered := session.txn.writes[id]; buffered {
			return c != nil, nil
		}
	}

	return session.node.Exists(id)
}

func (session *Session) getCrystal(id string) (crystal.Crystal, error) {
	if session.txn != nil {
		if c, buffered := session.txn.writes[id]; buffered {
			if c == nil {
				return crystal.Crystal{}, fmt.Errorf("object %q: %w", id, ErrNotFound)
			}

			return *c, nil
		}
	}

	c, err := session.node.Get(id)

	if err == ErrNotFound {
		return crystal.Crystal{}, fmt.Errorf("object %q: %w", id, ErrNotFound)
	}

	return c, err
}

func (session *Session) put(id string, c crystal.Crystal) error {
	if session.txn != nil {
		session.txn.writes[id] = &c

		return nil
	}

	if err := session.node.Save(id, c); err != nil {
		return err
	}

	session.notify(map[string]*crystal.Crystal{id: &c})

	return nil
}

// Txn is an open scoped transaction: an explicit handle that must be
// resolved by exactly one Commit or Abort.
type Txn struct {
	session *Session
	id      uuid.UUID
	writes  map[string]*crystal.Crystal
	done    bool
}

// ID returns the transaction's identifier, used in logs
func (txn *Txn) ID() uuid.UUID {
	return txn.id
}

// Commit applies every buffered operation in one storage transaction
func (txn *Txn) Commit() error {
	if txn.done {
		return fmt.Errorf("transaction %s already resolved", txn.id)
	}

	txn.done = true
	txn.session.txn = nil

	if err := txn.session.node.Apply(txn.writes); err != nil {
		txn.session.logger.Error("transaction failed",
			zap.String("transaction", txn.id.String()),
			zap.Error(err))

		return fmt.Errorf("could not commit transaction %s: %s", txn.id, err)
	}

	txn.session.notify(txn.writes)
	txn.session.logger.Info("transaction committed",
		zap.String("transaction", txn.id.String()),
		zap.Int("writes", len(txn.writes)))

	return nil
}

// Abort discards every buffered operation. Aborting a resolved
// transaction has no effect.
func (txn *Txn) Abort() error {
	if txn.done {
		return nil
	}

	txn.done = true
	txn.session.txn = nil
	txn.session.logger.Info("transaction aborted",
		zap.String("transaction", txn.id.String()),
		zap.Int("writes", len(txn.writes)))

	return nil
}
