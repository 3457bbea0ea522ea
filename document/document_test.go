package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyHasNoPaths(t *testing.T) {
	d := Empty()
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, []Path{}, append([]Path{}, d.Paths()...))
}

func TestGetMissingVsEmptyString(t *testing.T) {
	d := FromMap(map[string]string{"name": ""})
	v, ok := d.Get(Path{"name"})
	require.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = d.Get(Path{"missing"})
	assert.False(t, ok)
}

func TestEqualIgnoresConstructionOrder(t *testing.T) {
	a := FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	b := NewBuilder()
	b.Set(Path{"tier"}, "gold")
	b.Set(Path{"name"}, "Alice")
	assert.True(t, a.Equal(b.Build()))
}

func TestBuilderSetOverwritesAndDeleteRemoves(t *testing.T) {
	b := NewBuilder()
	b.Set(Path{"name"}, "Alice")
	b.Set(Path{"name"}, "Bob")
	b.Delete(Path{"missing"})
	doc := b.Build()

	v, ok := doc.Get(Path{"name"})
	require.True(t, ok)
	assert.Equal(t, "Bob", v)
	assert.Equal(t, 1, doc.Len())
}

func TestHashMatchesConstructionOrderIndependence(t *testing.T) {
	a := FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	b := NewBuilder()
	b.Set(Path{"tier"}, "gold")
	b.Set(Path{"name"}, "Alice")
	assert.Equal(t, a.Hash(), b.Build().Hash())
}

func TestHashDiffersOnValueChange(t *testing.T) {
	a := FromMap(map[string]string{"name": "Alice"})
	b := FromMap(map[string]string{"name": "Bob"})
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestPathsAreLexicographicallyOrdered(t *testing.T) {
	doc := FromMap(map[string]string{"b": "2", "a": "1", "c": "3"})
	paths := doc.Paths()
	require.Len(t, paths, 3)
	assert.Equal(t, "a", paths[0][0])
	assert.Equal(t, "b", paths[1][0])
	assert.Equal(t, "c", paths[2][0])
}

func TestJSONRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.Set(Path{"name"}, "Alice")
	b.Set(Path{"address", "city"}, "Berlin")
	doc := b.Build()

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, doc.Equal(back))
}

func TestNestedObjectsFlattenToPaths(t *testing.T) {
	var d Document
	require.NoError(t, json.Unmarshal([]byte(`{"address":{"city":"Berlin","zip":"10115"}}`), &d))

	v, ok := d.Get(Path{"address", "city"})
	require.True(t, ok)
	assert.Equal(t, "Berlin", v)
}
