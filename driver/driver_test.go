package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, rerrors.ErrNotFound)
}

func TestMemorySetWithoutForeignKeyCreates(t *testing.T) {
	m := NewMemory()
	doc := document.FromMap(map[string]string{"name": "Alice"})
	fk, err := m.Set(context.Background(), doc, "")
	require.NoError(t, err)
	assert.NotEmpty(t, fk)

	got, err := m.Get(context.Background(), fk)
	require.NoError(t, err)
	assert.True(t, got.Equal(doc))
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Delete(context.Background(), "never-existed"))
}

func TestRegistryUnknownEntityAndSource(t *testing.T) {
	r := NewRegistry()
	r.Register("customer", "acct", NewMemory(), nil)

	_, err := r.Driver("customer", "acct")
	require.NoError(t, err)

	_, err = r.Driver("order", "acct")
	assert.ErrorIs(t, err, rerrors.ErrUnknownEntity)

	_, err = r.Driver("customer", "users")
	assert.ErrorIs(t, err, rerrors.ErrUnknownSource)
}

func TestRegistrySourcesPreservesDeclarationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("customer", "acct", NewMemory(), nil)
	r.Register("customer", "users", NewMemory(), nil)

	sources, err := r.Sources(model.EntityName("customer"))
	require.NoError(t, err)
	assert.Equal(t, []model.SourceName{"acct", "users"}, sources)
}

func TestShellDriverCreateReadUpdateDelete(t *testing.T) {
	s := NewShell(
		"cat > /tmp/unused; echo new-fk",
		"echo '{\"name\":\"Alice\"}'",
		"cat > /tmp/unused",
		"true",
	)
	ctx := context.Background()

	fk, err := s.Set(ctx, document.FromMap(map[string]string{"name": "Alice"}), "")
	require.NoError(t, err)
	assert.Equal(t, model.ForeignKey("new-fk"), fk)

	doc, err := s.Get(ctx, fk)
	require.NoError(t, err)
	v, ok := doc.Get(document.Path{"name"})
	require.True(t, ok)
	assert.Equal(t, "Alice", v)

	require.NoError(t, s.Delete(ctx, fk))
}

func TestShellDriverGetReturnsNotFoundOnSentinelExitCode(t *testing.T) {
	s := NewShell("", "exit 3", "", "")
	_, err := s.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, rerrors.ErrNotFound)
}

func TestShellDriverDeleteIsIdempotentOnSentinelExitCode(t *testing.T) {
	s := NewShell("", "", "", "exit 3")
	assert.NoError(t, s.Delete(context.Background(), "gone"))
}

func TestShellDriverGetReturnsUnavailableOnOtherNonZeroExit(t *testing.T) {
	s := NewShell("", "exit 1", "", "")
	_, err := s.Get(context.Background(), "whatever")
	assert.ErrorIs(t, err, rerrors.ErrUnavailable)
	assert.NotErrorIs(t, err, rerrors.ErrNotFound)
}
