package node

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/jrife/geode/crystal"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	session, err := NewSession(newTestNode(t, 4), testCrystallizer(), zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	return session
}

func TestSessionLifecycle(t *testing.T) {
	session := newTestSession(t)
	ctx := crystal.WithCache(context.Background())

	obj := &testObject{ID: "alice", Value: "first"}

	created, err := session.Create(ctx, obj)

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if created.ObjectID() != "alice" {
		t.Fatalf("expected id alice, got %q", created.ObjectID())
	}

	if _, err := session.Create(ctx, obj); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	read, err := session.Read(ctx, "alice")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(obj, read); diff != "" {
		t.Fatalf("object mismatch (-want +got):\n%s", diff)
	}

	if err := session.Delete(ctx, "alice"); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := session.Read(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := session.Delete(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionUpdateUpserts(t *testing.T) {
	session := newTestSession(t)
	ctx := context.Background()

	// update creates missing objects
	if err := session.Update(ctx, &testObject{ID: "a", Value: "1"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := session.Update(ctx, &testObject{ID: "a", Value: "2"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	read, err := session.Read(ctx, "a")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(&testObject{ID: "a", Value: "2"}, read); diff != "" {
		t.Fatalf("object mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionReadMany(t *testing.T) {
	session := newTestSession(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := session.Create(ctx, &testObject{ID: id, Value: id}); err != nil {
			t.Fatalf("expected err to be nil, got %v", err)
		}
	}

	objects, err := session.ReadMany(ctx, []string{"a", "missing", "b"})

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	want := []crystal.Object{
		&testObject{ID: "a", Value: "a"},
		&testObject{ID: "b", Value: "b"},
	}

	if diff := cmp.Diff(want, objects); diff != "" {
		t.Fatalf("objects mismatch (-want +got):\n%s", diff)
	}
}

func TestScopedTransactionCommit(t *testing.T) {
	session := newTestSession(t)
	ctx := context.Background()

	if _, err := session.Create(ctx, &testObject{ID: "doomed", Value: "old"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	txn, err := session.Begin()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	defer txn.Abort()

	if _, err := session.Create(ctx, &testObject{ID: "a", Value: "1"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := session.Update(ctx, &testObject{ID: "a", Value: "2"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := session.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	// reads in the scoped transaction observe the buffered writes
	read, err := session.Read(ctx, "a")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(&testObject{ID: "a", Value: "2"}, read); diff != "" {
		t.Fatalf("object mismatch (-want +got):\n%s", diff)
	}

	if _, err := session.Read(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// nothing is durable until commit
	if _, err := session.Node().Get("a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := session.Node().Get("doomed"); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := session.Node().Get("a"); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := session.Node().Get("doomed"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	size, err := session.Node().Size()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	// abort after commit has no effect
	if err := txn.Abort(); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}
}

func TestScopedTransactionAbort(t *testing.T) {
	session := newTestSession(t)
	ctx := context.Background()

	txn, err := session.Begin()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := session.Create(ctx, &testObject{ID: "a", Value: "1"}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := txn.Abort(); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := session.Read(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// a new scoped transaction can start once the last one resolved
	next, err := session.Begin()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	defer next.Abort()
}

func TestScopedTransactionReentrantBegin(t *testing.T) {
	session := newTestSession(t)

	txn, err := session.Begin()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	defer txn.Abort()

	if _, err := session.Begin(); !errors.Is(err, ErrTransactionAlreadyOpen) {
		t.Fatalf("expected ErrTransactionAlreadyOpen, got %v", err)
	}
}
