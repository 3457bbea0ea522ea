package store

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

func newTestStore(t *testing.T) *Pebble {
	t.Helper()
	s, err := OpenWith("test", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAllocateInternalKeyIsUniquePerEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik1, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	ik2, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	assert.NotEqual(t, ik1, ik2)
}

func TestRecordForeignKeyIdempotentAndConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ctx, ik, "acct", "A1"))
	require.NoError(t, s.RecordForeignKey(ctx, ik, "acct", "A1")) // idempotent

	other, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	err = s.RecordForeignKey(ctx, other, "acct", "A1")
	assert.ErrorIs(t, err, rerrors.ErrConflict)
}

func TestLookupInternalKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ctx, ik, "acct", "A1"))

	got, ok, err := s.LookupInternalKey(ctx, "customer", "acct", "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ik, got)

	fk, ok, err := s.LookupForeignKey(ctx, ik, "acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ForeignKey("A1"), fk)
}

func TestBaselinePutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)

	_, ok, err := s.GetBaseline(ctx, ik)
	require.NoError(t, err)
	assert.False(t, ok)

	doc := document.FromMap(map[string]string{"name": "Alice"})
	require.NoError(t, s.PutBaseline(ctx, ik, doc))

	got, ok, err := s.GetBaseline(ctx, ik)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(doc))

	require.NoError(t, s.DeleteBaseline(ctx, ik))
	_, ok, err = s.GetBaseline(ctx, ik)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordDiffsAndListGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)

	applied := diff.Diff{Ops: []diff.Operation{{Kind: diff.Insert, Path: document.Path{"name"}, NewValue: "Alice"}}}
	rejected := []diff.Diff{{Label: "acct", Ops: []diff.Operation{{Kind: diff.Insert, Path: document.Path{"tier"}, NewValue: "gold"}}}}

	did, err := s.RecordDiffs(ctx, ik, applied, rejected)
	require.NoError(t, err)

	ids, err := s.ListDiffIDs(ctx, ik)
	require.NoError(t, err)
	assert.Equal(t, []model.DiffID{did}, ids)

	rec, ok, err := s.GetDiff(ctx, did)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ik, rec.InternalKey)
	assert.Len(t, rec.Rejected, 1)
}

func TestDeleteInternalKeyCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	require.NoError(t, s.RecordForeignKey(ctx, ik, "acct", "A1"))
	require.NoError(t, s.PutBaseline(ctx, ik, document.FromMap(map[string]string{"name": "Alice"})))
	_, err = s.RecordDiffs(ctx, ik, diff.Diff{}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteInternalKey(ctx, ik))

	_, ok, err := s.LookupInternalKey(ctx, "customer", "acct", "A1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetBaseline(ctx, ik)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.ListDiffIDs(ctx, ik)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFetchNotificationsOrderAndRemaining(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		did, err := s.RecordDiffs(ctx, ik, diff.Diff{}, nil)
		require.NoError(t, err)
		require.NoError(t, s.RecordNotification(ctx, ik, did))
	}

	remaining, got, err := s.FetchNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 15, remaining)
	assert.Len(t, got, 10)
	assert.Equal(t, model.DiffID(1), got[0].DiffID)

	remaining, got, err = s.FetchNotifications(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Len(t, got, 15)
}

func TestPendingNotificationsTracksRecordAndFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	did, err := s.RecordDiffs(ctx, ik, diff.Diff{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordNotification(ctx, ik, did))

	n, err = s.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = s.FetchNotifications(ctx, 10)
	require.NoError(t, err)

	n, err = s.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFetchNotificationsNeverReturnsSameTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ik, err := s.AllocateInternalKey(ctx, "customer")
	require.NoError(t, err)
	did, err := s.RecordDiffs(ctx, ik, diff.Diff{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordNotification(ctx, ik, did))

	_, first, err := s.FetchNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, second, err := s.FetchNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}
