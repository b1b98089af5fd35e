package node

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/jrife/geode/crystal"
	"github.com/jrife/geode/storage/kv"
	bboltplugin "github.com/jrife/geode/storage/kv/plugins/bbolt"
)

type testObject struct {
	ID    string `cbor:"id"`
	Value string `cbor:"value"`
}

func (obj *testObject) ObjectID() string {
	return obj.ID
}

func testCrystallizer() crystal.Crystallizer {
	return &crystal.CodecCrystallizer{
		Kind:  "test",
		Codec: &crystal.CBORCodec{},
		New: func() crystal.Object {
			return &testObject{}
		},
	}
}

func testCrystal(t *testing.T, id, value string) crystal.Crystal {
	t.Helper()

	c, err := testCrystallizer().Crystallize(&testObject{ID: id, Value: value})

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	return c
}

func newTestStore(t *testing.T) kv.Store {
	t.Helper()

	plugin := &bboltplugin.Plugin{}

	rootStore, err := plugin.NewTempRootStore()

	if err != nil {
		t.Fatalf("could not create temp root store: %s", err)
	}

	t.Cleanup(func() {
		rootStore.Delete()
	})

	return rootStore.Store("node0")
}

func newTestNode(t *testing.T, partitions int) *Node {
	t.Helper()

	node, err := Open(newTestStore(t), partitions, 16, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	return node
}

func TestNodeBootstrapIdempotent(t *testing.T) {
	store := newTestStore(t)

	node, err := Open(store, 4, 16, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if err := node.Save("a", testCrystal(t, "a", "1")); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	// reopening keeps the persisted partition count and the data
	reopened, err := Open(store, 8, 16, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if reopened.Partitions() != 4 {
		t.Fatalf("expected 4 partitions, got %d", reopened.Partitions())
	}

	c, err := reopened.Get("a")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(testCrystal(t, "a", "1"), c); diff != "" {
		t.Fatalf("crystal mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeReopenKeepsVirtualPoints(t *testing.T) {
	store := newTestStore(t)

	node, err := Open(store, 4, 16, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	ids := testIDs(50)

	for _, id := range ids {
		if err := node.Save(id, testCrystal(t, id, id)); err != nil {
			t.Fatalf("expected err to be nil, got %v", err)
		}
	}

	// reopening with a different virtual-point count keeps the
	// persisted count, so every id still locates to its partition
	reopened, err := Open(store, 4, 3, zap.NewNop())

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	for _, id := range ids {
		if reopened.Locate(id) != node.Locate(id) {
			t.Fatalf("expected %q to locate to partition %d, got %d", id, node.Locate(id), reopened.Locate(id))
		}

		c, err := reopened.Get(id)

		if err != nil {
			t.Fatalf("expected err to be nil for %q, got %v", id, err)
		}

		if diff := cmp.Diff(testCrystal(t, id, id), c); diff != "" {
			t.Fatalf("crystal mismatch for %q (-want +got):\n%s", id, diff)
		}
	}
}

func TestNodeCRUD(t *testing.T) {
	node := newTestNode(t, 4)

	if _, err := node.Get("a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := node.Remove("a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := node.Save("a", testCrystal(t, "a", "1")); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	exists, err := node.Exists("a")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if !exists {
		t.Fatalf("expected a to exist")
	}

	c, err := node.Get("a")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff(testCrystal(t, "a", "1"), c); diff != "" {
		t.Fatalf("crystal mismatch (-want +got):\n%s", diff)
	}

	// save is an upsert and does not double count
	if err := node.Save("a", testCrystal(t, "a", "2")); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	size, err := node.Size()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := node.Remove("a"); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	size, err = node.Size()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if size != 0 {
		t.Fatalf("expected size 0, got %d", size)
	}
}

func TestNodeApply(t *testing.T) {
	node := newTestNode(t, 4)

	if err := node.Save("a", testCrystal(t, "a", "1")); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	b := testCrystal(t, "b", "2")
	c := testCrystal(t, "c", "3")

	err := node.Apply(map[string]*crystal.Crystal{
		"a": nil,
		"b": &b,
		"c": &c,
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if _, err := node.Get("a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for id, want := range map[string]crystal.Crystal{"b": b, "c": c} {
		got, err := node.Get(id)

		if err != nil {
			t.Fatalf("expected err to be nil, got %v", err)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("crystal mismatch (-want +got):\n%s", diff)
		}
	}

	size, err := node.Size()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if size != 2 {
		t.Fatalf("expected size 2, got %d", size)
	}
}

func TestNodeExpand(t *testing.T) {
	node := newTestNode(t, 4)

	for _, testCase := range []int{0, 3, 4} {
		if _, err := node.Expand(testCase); !errors.Is(err, ErrInvalidResize) {
			t.Fatalf("expected ErrInvalidResize for %d, got %v", testCase, err)
		}
	}

	ids := append(testIDs(100), "x", "y", "z")
	want := map[string]crystal.Crystal{}

	for _, id := range ids {
		want[id] = testCrystal(t, id, id)

		if err := node.Save(id, want[id]); err != nil {
			t.Fatalf("expected err to be nil, got %v", err)
		}
	}

	// the grown ring decides the expected relocation count
	before := NewRing(4, 16)
	after := before.Grow(8)
	expected := 0

	for _, id := range ids {
		if before.Locate(id) != after.Locate(id) {
			expected++
		}
	}

	relocated, err := node.Expand(8)

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if relocated != expected {
		t.Fatalf("expected %d relocations, got %d", expected, relocated)
	}

	if node.Partitions() != 8 {
		t.Fatalf("expected 8 partitions, got %d", node.Partitions())
	}

	for id, c := range want {
		got, err := node.Get(id)

		if err != nil {
			t.Fatalf("expected err to be nil for %q, got %v", id, err)
		}

		if diff := cmp.Diff(c, got); diff != "" {
			t.Fatalf("crystal mismatch for %q (-want +got):\n%s", id, diff)
		}
	}

	size, err := node.Size()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if size != uint64(len(ids)) {
		t.Fatalf("expected size %d, got %d", len(ids), size)
	}
}

func TestNodeForEach(t *testing.T) {
	node := newTestNode(t, 4)

	want := map[string]string{"a": "1", "b": "2", "c": "3"}

	for id, value := range want {
		if err := node.Save(id, testCrystal(t, id, value)); err != nil {
			t.Fatalf("expected err to be nil, got %v", err)
		}
	}

	visited := map[string]crystal.Crystal{}

	err := node.ForEach(func(id string, c crystal.Crystal) error {
		visited[id] = c

		return nil
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if len(visited) != len(want) {
		t.Fatalf("expected %d objects, visited %d", len(want), len(visited))
	}

	for id, value := range want {
		if diff := cmp.Diff(testCrystal(t, id, value), visited[id]); diff != "" {
			t.Fatalf("crystal mismatch for %q (-want +got):\n%s", id, diff)
		}
	}
}

func TestNodeMeta(t *testing.T) {
	node := newTestNode(t, 4)

	value, err := node.MetaGet("marker")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if value != nil {
		t.Fatalf("expected value to be nil, got %v", value)
	}

	if err := node.MetaPut("marker", []byte{1}); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	value, err = node.MetaGet("marker")

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff([]byte{1}, value); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}

	if err := node.SetCacheState([]byte("state")); err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	state, err := node.CacheState()

	if err != nil {
		t.Fatalf("expected err to be nil, got %v", err)
	}

	if diff := cmp.Diff([]byte("state"), state); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}
