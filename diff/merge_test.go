package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/document"
)

func TestMergeTwoSourcesAgree(t *testing.T) {
	baseline := document.Empty()
	acct := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	users := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})

	pAcct := Compute(baseline, acct, "acct")
	pUsers := Compute(baseline, users, "users")

	applied, rejected := Merge(baseline, []Diff{pAcct, pUsers})
	require.Len(t, applied.Ops, 2)
	for _, r := range rejected {
		assert.Empty(t, r.Ops)
	}

	merged, err := Apply(applied, baseline)
	require.NoError(t, err)
	assert.True(t, merged.Equal(document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})))
}

func TestMergeConflictOnOnePath(t *testing.T) {
	baseline := document.Empty()
	acct := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	users := document.FromMap(map[string]string{"name": "Alice", "tier": "silver"})

	pAcct := Compute(baseline, acct, "acct")
	pUsers := Compute(baseline, users, "users")

	applied, rejected := Merge(baseline, []Diff{pAcct, pUsers})

	require.Len(t, applied.Ops, 1)
	assert.Equal(t, "name", applied.Ops[0].Path[0])

	require.Len(t, rejected, 2)
	require.Len(t, rejected[0].Ops, 1)
	assert.Equal(t, "gold", rejected[0].Ops[0].NewValue)
	require.Len(t, rejected[1].Ops, 1)
	assert.Equal(t, "silver", rejected[1].Ops[0].NewValue)

	merged, err := Apply(applied, baseline)
	require.NoError(t, err)
	assert.True(t, merged.Equal(document.FromMap(map[string]string{"name": "Alice"})))
}

func TestMergeSoundnessTouchesNoRejectedPath(t *testing.T) {
	baseline := document.Empty()
	acct := document.FromMap(map[string]string{"name": "Alice", "tier": "gold"})
	users := document.FromMap(map[string]string{"name": "Alice", "tier": "silver"})

	pAcct := Compute(baseline, acct, "acct")
	pUsers := Compute(baseline, users, "users")

	applied, rejected := Merge(baseline, []Diff{pAcct, pUsers})
	merged, err := Apply(applied, baseline)
	require.NoError(t, err)

	for _, r := range rejected {
		for _, op := range r.Ops {
			_, ok := merged.Get(op.Path)
			if op.Kind == Insert {
				assert.False(t, ok, "rejected insert path %v must not appear in merge result", op.Path)
			}
		}
	}
}

func TestMergeIdenticalInsertsAreNotAConflict(t *testing.T) {
	baseline := document.Empty()
	same := document.FromMap(map[string]string{"name": "Alice"})

	p1 := Compute(baseline, same, "a")
	p2 := Compute(baseline, same, "b")

	applied, rejected := Merge(baseline, []Diff{p1, p2})
	require.Len(t, applied.Ops, 1)
	for _, r := range rejected {
		assert.Empty(t, r.Ops)
	}
}
