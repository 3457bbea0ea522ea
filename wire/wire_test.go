package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, byte(KindNotify), EncodeNotify(NotifyRequest{
		Entity: "customer", Source: "acct", ForeignKey: "A1",
	})))

	tag, body, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(KindNotify), tag)

	req, err := DecodeNotify(body)
	require.NoError(t, err)
	assert.Equal(t, NotifyRequest{Entity: "customer", Source: "acct", ForeignKey: "A1"}, req)
}

func TestDecodeNotifyRejectsEmptyFields(t *testing.T) {
	body := EncodeNotify(NotifyRequest{Entity: "customer", Source: "", ForeignKey: "A1"})
	_, err := DecodeNotify(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestDecodeNotifyTruncated(t *testing.T) {
	body := EncodeNotify(NotifyRequest{Entity: "customer", Source: "acct", ForeignKey: "A1"})
	_, err := DecodeNotify(body[:len(body)-2])
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestResolveRoundTrip(t *testing.T) {
	req := ResolveRequest{DiffID: model.DiffID(42), OpIDs: []model.OpID{1, 3, 7}}
	got, err := DecodeResolve(EncodeResolve(req))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestListConflictsRoundTrip(t *testing.T) {
	b := document.NewBuilder()
	b.Set(document.Path{"name"}, "Alice")
	b.Set(document.Path{"address", "city"}, "Springfield")
	baseline := b.Build()

	applied := diff.Diff{Label: "acct", Ops: []diff.Operation{
		{Kind: diff.Replace, Path: document.Path{"name"}, OldValue: "Alice", NewValue: "A. Liddell", Label: "acct"},
	}}

	entries := []ConflictEntry{
		{
			Baseline: baseline,
			Applied:  applied,
			DiffID:   model.DiffID(7),
			Rejected: []RejectedEntry{
				{OpID: 1, Op: diff.Operation{Kind: diff.Insert, Path: document.Path{"email"}, NewValue: "a@example.com", Label: "crm"}},
			},
		},
	}

	body := EncodeListConflicts(entries)
	got, err := DecodeListConflicts(body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Baseline.Equal(baseline))
	assert.Equal(t, applied, got[0].Applied)
	assert.Equal(t, model.DiffID(7), got[0].DiffID)
	require.Len(t, got[0].Rejected, 1)
	assert.Equal(t, model.OpID(1), got[0].Rejected[0].OpID)
	assert.Equal(t, "email", got[0].Rejected[0].Op.Path.String())
}

func TestFlushResultRoundTrip(t *testing.T) {
	got, err := DecodeFlushResult(EncodeFlushResult(25))
	require.NoError(t, err)
	assert.Equal(t, 25, got)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, SuccessFlag, EncodeFlushResult(3)))
	tag, body, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, SuccessFlag, tag)
	n, err := DecodeFlushResult(body)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf.Reset()
	require.NoError(t, WriteMessage(&buf, FailureFlag, EncodeErrorBody(rerrors.KindConflict)))
	tag, body, err = ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, FailureFlag, tag)
	assert.ErrorIs(t, DecodeErrorBody(body), rerrors.ErrConflict)
}

func TestReadMessageRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{0xff, 0xff, 0xff, 0xff, 0x7f}))
	require.NoError(t, WriteFrame(&buf, []byte{}))
	_, _, err := ReadMessage(bufio.NewReader(&buf))
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Notify", KindNotify.String())
	assert.Equal(t, "FlushWorkQueue", KindFlushWorkQueue.String())
}
