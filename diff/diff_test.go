package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/rerrors"
)

func TestRoundTrip(t *testing.T) {
	a := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	b := document.FromMap(map[string]string{"name": "Alice", "tier": "silver", "vip": "true"})

	p := Compute(a, b, "test")
	got, err := Apply(p, a)
	require.NoError(t, err)
	assert.True(t, got.Equal(b))
}

func TestEmptyDiffIsIdentity(t *testing.T) {
	d := document.FromMap(map[string]string{"name": "Alice"})
	got, err := Apply(Empty(""), d)
	require.NoError(t, err)
	assert.True(t, got.Equal(d))
}

func TestDiffOfEqualDocumentsIsEmpty(t *testing.T) {
	d := document.FromMap(map[string]string{"name": "Alice"})
	p := Compute(d, d, "")
	assert.Empty(t, p.Ops)
}

func TestReconstitutionFromEmptyDocument(t *testing.T) {
	target := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	p := Compute(document.Empty(), target, "")
	got, err := Apply(p, document.Empty())
	require.NoError(t, err)
	assert.True(t, got.Equal(target))
}

func TestApplyFailsOnMismatch(t *testing.T) {
	a := document.FromMap(map[string]string{"name": "Alice"})
	b := document.FromMap(map[string]string{"name": "Bob"})
	p := Compute(a, b, "")

	other := document.FromMap(map[string]string{"name": "Carol"})
	_, err := Apply(p, other)
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrDiffMismatch)
}

func TestOperationsAreLexicographicallyOrdered(t *testing.T) {
	a := document.Empty()
	b := document.FromMap(map[string]string{"z": "1", "a": "2", "m": "3"})
	p := Compute(a, b, "")

	require.Len(t, p.Ops, 3)
	assert.Equal(t, "a", p.Ops[0].Path[0])
	assert.Equal(t, "m", p.Ops[1].Path[0])
	assert.Equal(t, "z", p.Ops[2].Path[0])
}
