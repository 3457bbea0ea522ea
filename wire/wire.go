// Package wire implements the two-frame binary protocol: a varint header
// frame naming the request kind and a length-prefixed binary body frame,
// with the same shape mirrored back on the response side (success flag
// byte + body). See DESIGN.md for the framing decisions.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// Kind identifies the request kind carried by the header frame, in
// Notify/ListConflicts/Resolve/FlushWorkQueue order (DESIGN.md's Open
// Question 1).
type Kind byte

const (
	KindNotify Kind = iota
	KindListConflicts
	KindResolve
	KindFlushWorkQueue
)

// maxFrame bounds a single frame so a malformed length prefix cannot make
// the server try to allocate an unbounded buffer.
const maxFrame = 64 << 20

// WriteFrame writes one length-prefixed frame: a 4-byte little-endian
// length followed by body.
func WriteFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, errors.Wrap(rerrors.ErrInvalidMessage, "frame too large")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadMessage reads the two frames (header tag, body) that make up one
// request or response. The header frame carries a variable-length unsigned
// integer (encoding/binary.Uvarint); every request kind defined today fits
// in one byte, so ReadMessage rejects anything longer as malformed rather
// than silently accepting a tag it cannot dispatch.
func ReadMessage(r *bufio.Reader) (tag byte, body []byte, err error) {
	hdr, err := ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	v, n := binary.Uvarint(hdr)
	if n <= 0 || n != len(hdr) || v > 255 {
		return 0, nil, errors.Wrap(rerrors.ErrInvalidMessage, "malformed header frame")
	}
	body, err = ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	return byte(v), body, nil
}

// WriteMessage writes the two frames (header tag, body) that make up one
// request or response, encoding tag as a varint.
func WriteMessage(w io.Writer, tag byte, body []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(tag))
	if err := WriteFrame(w, hdr[:n]); err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// --- request payloads ---

// NotifyRequest carries a ChangeNotification.
type NotifyRequest struct {
	Entity     model.EntityName
	Source     model.SourceName
	ForeignKey model.ForeignKey
}

// ResolveRequest carries the DiffID and chosen OpIDs of a Resolve call.
type ResolveRequest struct {
	DiffID model.DiffID
	OpIDs  []model.OpID
}

// EncodeNotify encodes a NotifyRequest body.
func EncodeNotify(r NotifyRequest) []byte {
	e := &encoder{}
	e.putString(string(r.Entity))
	e.putString(string(r.Source))
	e.putString(string(r.ForeignKey))
	return e.buf
}

// DecodeNotify decodes a NotifyRequest body.
func DecodeNotify(body []byte) (NotifyRequest, error) {
	d := &decoder{buf: body}
	entity, err := d.getString()
	if err != nil {
		return NotifyRequest{}, err
	}
	source, err := d.getString()
	if err != nil {
		return NotifyRequest{}, err
	}
	fk, err := d.getString()
	if err != nil {
		return NotifyRequest{}, err
	}
	if !d.done() {
		return NotifyRequest{}, errors.Wrap(rerrors.ErrInvalidMessage, "trailing bytes in Notify body")
	}
	if entity == "" || source == "" || fk == "" {
		return NotifyRequest{}, errors.Wrap(rerrors.ErrInvalidMessage, "Notify requires entity, source and foreign_id")
	}
	return NotifyRequest{Entity: model.EntityName(entity), Source: model.SourceName(source), ForeignKey: model.ForeignKey(fk)}, nil
}

// EncodeResolve encodes a ResolveRequest body.
func EncodeResolve(r ResolveRequest) []byte {
	e := &encoder{}
	e.putUint64(uint64(r.DiffID))
	e.putUint32(uint32(len(r.OpIDs)))
	for _, id := range r.OpIDs {
		e.putUint32(uint32(id))
	}
	return e.buf
}

// DecodeResolve decodes a ResolveRequest body.
func DecodeResolve(body []byte) (ResolveRequest, error) {
	d := &decoder{buf: body}
	did, err := d.getUint64()
	if err != nil {
		return ResolveRequest{}, err
	}
	n, err := d.getUint32()
	if err != nil {
		return ResolveRequest{}, err
	}
	ids := make([]model.OpID, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := d.getUint32()
		if err != nil {
			return ResolveRequest{}, err
		}
		ids = append(ids, model.OpID(v))
	}
	if !d.done() {
		return ResolveRequest{}, errors.Wrap(rerrors.ErrInvalidMessage, "trailing bytes in Resolve body")
	}
	return ResolveRequest{DiffID: model.DiffID(did), OpIDs: ids}, nil
}

// --- response payloads ---

// RejectedEntry pairs a rejected Operation with the OpID the client must
// cite back in a Resolve call.
type RejectedEntry struct {
	OpID model.OpID
	Op   diff.Operation
}

// ConflictEntry is one ListConflicts response row.
type ConflictEntry struct {
	Baseline document.Document
	Applied  diff.Diff
	DiffID   model.DiffID
	Rejected []RejectedEntry
}

// EncodeListConflicts encodes a ListConflicts success response body.
func EncodeListConflicts(entries []ConflictEntry) []byte {
	e := &encoder{}
	e.putUint32(uint32(len(entries)))
	for _, c := range entries {
		e.putDocument(c.Baseline)
		e.putDiff(c.Applied)
		e.putUint64(uint64(c.DiffID))
		e.putUint32(uint32(len(c.Rejected)))
		for _, r := range c.Rejected {
			e.putUint32(uint32(r.OpID))
			e.putOperation(r.Op)
		}
	}
	return e.buf
}

// DecodeListConflicts decodes a ListConflicts success response body.
func DecodeListConflicts(body []byte) ([]ConflictEntry, error) {
	d := &decoder{buf: body}
	n, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	out := make([]ConflictEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		baseline, err := d.getDocument()
		if err != nil {
			return nil, err
		}
		applied, err := d.getDiff()
		if err != nil {
			return nil, err
		}
		did, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		rn, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		rejected := make([]RejectedEntry, 0, rn)
		for j := uint32(0); j < rn; j++ {
			opID, err := d.getUint32()
			if err != nil {
				return nil, err
			}
			op, err := d.getOperation()
			if err != nil {
				return nil, err
			}
			rejected = append(rejected, RejectedEntry{OpID: model.OpID(opID), Op: op})
		}
		out = append(out, ConflictEntry{Baseline: baseline, Applied: applied, DiffID: model.DiffID(did), Rejected: rejected})
	}
	if !d.done() {
		return nil, errors.Wrap(rerrors.ErrInvalidMessage, "trailing bytes in ListConflicts body")
	}
	return out, nil
}

// EncodeFlushResult encodes FlushWorkQueue's processed-count response body.
func EncodeFlushResult(n int) []byte {
	e := &encoder{}
	e.putUint32(uint32(n))
	return e.buf
}

// DecodeFlushResult decodes FlushWorkQueue's processed-count response body.
func DecodeFlushResult(body []byte) (int, error) {
	d := &decoder{buf: body}
	n, err := d.getUint32()
	if err != nil {
		return 0, err
	}
	if !d.done() {
		return 0, errors.Wrap(rerrors.ErrInvalidMessage, "trailing bytes in FlushWorkQueue body")
	}
	return int(n), nil
}

// SuccessFlag and FailureFlag are the single-byte header frame values a
// response carries in place of a request Kind: each response is a
// two-frame message [success_flag, body].
const (
	FailureFlag byte = 0x00
	SuccessFlag byte = 0x01
)

// EncodeErrorBody encodes the single-byte error Kind a failure response's
// body frame carries.
func EncodeErrorBody(k rerrors.Kind) []byte { return []byte{byte(k)} }

// DecodeErrorBody decodes a failure response's body frame into its
// sentinel error.
func DecodeErrorBody(body []byte) error {
	if len(body) != 1 {
		return rerrors.ErrInvalidMessage
	}
	return rerrors.Sentinel(rerrors.Kind(body[0]))
}

// --- low-level encode/decode helpers ---

type encoder struct{ buf []byte }

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putPath(p document.Path) {
	e.putUint32(uint32(len(p)))
	for _, seg := range p {
		e.putString(seg)
	}
}

func (e *encoder) putDocument(doc document.Document) {
	paths := doc.Paths()
	e.putUint32(uint32(len(paths)))
	for _, p := range paths {
		v, _ := doc.Get(p)
		e.putPath(p)
		e.putString(v)
	}
}

func (e *encoder) putOperation(op diff.Operation) {
	e.buf = append(e.buf, byte(op.Kind))
	e.putPath(op.Path)
	e.putString(op.OldValue)
	e.putString(op.NewValue)
	e.putString(op.Label)
}

func (e *encoder) putDiff(d diff.Diff) {
	e.putString(d.Label)
	e.putUint32(uint32(len(d.Ops)))
	for _, op := range d.Ops {
		e.putOperation(op)
	}
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) done() bool { return d.pos == len(d.buf) }

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return errors.Wrap(rerrors.ErrInvalidMessage, "truncated message")
	}
	return nil
}

func (d *decoder) getUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) getUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) getString() (string, error) {
	n, err := d.getUint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) getPath() (document.Path, error) {
	n, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	path := make(document.Path, 0, n)
	for i := uint32(0); i < n; i++ {
		seg, err := d.getString()
		if err != nil {
			return nil, err
		}
		path = append(path, seg)
	}
	return path, nil
}

func (d *decoder) getOperation() (diff.Operation, error) {
	if err := d.need(1); err != nil {
		return diff.Operation{}, err
	}
	kind := diff.Kind(d.buf[d.pos])
	d.pos++
	path, err := d.getPath()
	if err != nil {
		return diff.Operation{}, err
	}
	oldV, err := d.getString()
	if err != nil {
		return diff.Operation{}, err
	}
	newV, err := d.getString()
	if err != nil {
		return diff.Operation{}, err
	}
	label, err := d.getString()
	if err != nil {
		return diff.Operation{}, err
	}
	return diff.Operation{Kind: kind, Path: path, OldValue: oldV, NewValue: newV, Label: label}, nil
}

func (d *decoder) getDiff() (diff.Diff, error) {
	label, err := d.getString()
	if err != nil {
		return diff.Diff{}, err
	}
	n, err := d.getUint32()
	if err != nil {
		return diff.Diff{}, err
	}
	ops := make([]diff.Operation, 0, n)
	for i := uint32(0); i < n; i++ {
		op, err := d.getOperation()
		if err != nil {
			return diff.Diff{}, err
		}
		ops = append(ops, op)
	}
	return diff.Diff{Label: label, Ops: ops}, nil
}

func (d *decoder) getDocument() (document.Document, error) {
	n, err := d.getUint32()
	if err != nil {
		return document.Document{}, err
	}
	b := document.NewBuilder()
	for i := uint32(0); i < n; i++ {
		path, err := d.getPath()
		if err != nil {
			return document.Document{}, err
		}
		v, err := d.getString()
		if err != nil {
			return document.Document{}, err
		}
		b.Set(path, v)
	}
	return b.Build(), nil
}

func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "Notify"
	case KindListConflicts:
		return "ListConflicts"
	case KindResolve:
		return "Resolve"
	case KindFlushWorkQueue:
		return "FlushWorkQueue"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}
