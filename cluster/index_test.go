package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexQuery(t *testing.T) {
	index := NewIndex()

	index.Put(map[string]string{"owner": "alice", "tier": "gold"}, "a1")
	index.Put(map[string]string{"owner": "alice", "tier": "silver"}, "a2")
	index.Put(map[string]string{"owner": "bob", "tier": "gold"}, "b1")

	assert.Equal(t, []string{"a1", "a2"}, index.Query(Eq("owner", "alice")))
	assert.Equal(t, []string{"a1", "b1"}, index.Query(Eq("tier", "gold")))
	assert.Empty(t, index.Query(Eq("owner", "carol")))
	assert.Empty(t, index.Query(Eq("missing", "x")))

	assert.Equal(t, []string{"a1"}, index.Query(And(Eq("owner", "alice"), Eq("tier", "gold"))))
	assert.Equal(t, []string{"a1", "a2", "b1"}, index.Query(Or(Eq("owner", "alice"), Eq("tier", "gold"))))
	assert.Empty(t, index.Query(And(Eq("owner", "alice"), Eq("owner", "bob"))))

	assert.Equal(t, []string{"a1"},
		index.Query(And(Or(Eq("owner", "alice"), Eq("owner", "bob")), Eq("tier", "gold"), Eq("owner", "alice"))))

	assert.Empty(t, index.Query(And()))
	assert.Empty(t, index.Query(Or()))
}

func TestIndexRemove(t *testing.T) {
	index := NewIndex()

	index.Put(map[string]string{"owner": "alice"}, "a1")
	index.Put(map[string]string{"owner": "alice"}, "a2")

	index.Remove(map[string]string{"owner": "alice"}, "a1")
	assert.Equal(t, []string{"a2"}, index.Query(Eq("owner", "alice")))

	// removing the last id destroys the entry
	index.Remove(map[string]string{"owner": "alice"}, "a2")
	assert.Empty(t, index.Query(Eq("owner", "alice")))

	// removing under unknown fields is a no-op
	index.Remove(map[string]string{"missing": "x"}, "a1")
}
