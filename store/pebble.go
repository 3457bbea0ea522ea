package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// fkCacheSize bounds the forward foreign-key-to-internal-key lookup cache.
const fkCacheSize = 10000

// Pebble key tags, one byte prefix per logical table, over the plain
// uint64 InternalKeys this domain uses.
const (
	tagEntityOf    byte = 'I' // ['I', ik] -> entity name
	tagIKCounter   byte = 'C' // ['C', entity] -> next internal key counter
	tagForeignFwd  byte = 'F' // ['F', entity, 0, source, 0, fk] -> ik
	tagForeignRev  byte = 'R' // ['R', ik, 0, source] -> fk
	tagBaseline    byte = 'B' // ['B', ik] -> document JSON
	tagDiffByIK    byte = 'D' // ['D', ik, did] -> (empty)
	tagDiffGlobal  byte = 'G' // ['G', did] -> diff record JSON
	tagNotif       byte = 'N' // ['N', seq] -> notification JSON
	tagDiffCounter byte = 'd' // ['d'] -> next DiffID counter
	tagNotifSeq    byte = 's' // ['s'] -> next notification sequence
	tagNotifCount  byte = 'n' // ['n'] -> pending notification count
)

var writeOptions = &pebble.WriteOptions{Sync: false}

func beU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func u64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func keyIK(ik model.InternalKey) []byte {
	return append([]byte{tagEntityOf}, beU64(uint64(ik))...)
}

func keyIKCounter(entity model.EntityName) []byte {
	return append([]byte{tagIKCounter}, []byte(entity)...)
}

func keyForeignFwd(entity model.EntityName, source model.SourceName, fk model.ForeignKey) []byte {
	k := []byte{tagForeignFwd}
	k = append(k, []byte(entity)...)
	k = append(k, 0)
	k = append(k, []byte(source)...)
	k = append(k, 0)
	k = append(k, []byte(fk)...)
	return k
}

func keyForeignRev(ik model.InternalKey, source model.SourceName) []byte {
	k := []byte{tagForeignRev}
	k = append(k, beU64(uint64(ik))...)
	k = append(k, 0)
	k = append(k, []byte(source)...)
	return k
}

func keyForeignRevPrefix(ik model.InternalKey) []byte {
	return append([]byte{tagForeignRev}, beU64(uint64(ik))...)
}

func keyBaseline(ik model.InternalKey) []byte {
	return append([]byte{tagBaseline}, beU64(uint64(ik))...)
}

func keyDiffByIK(ik model.InternalKey, did model.DiffID) []byte {
	k := append([]byte{tagDiffByIK}, beU64(uint64(ik))...)
	return append(k, beU64(uint64(did))...)
}

func keyDiffByIKPrefix(ik model.InternalKey) []byte {
	return append([]byte{tagDiffByIK}, beU64(uint64(ik))...)
}

func keyDiffGlobal(did model.DiffID) []byte {
	return append([]byte{tagDiffGlobal}, beU64(uint64(did))...)
}

func keyNotif(seq uint64) []byte {
	return append([]byte{tagNotif}, beU64(seq)...)
}

var (
	keyDiffCounter  = []byte{tagDiffCounter}
	keyNotifSeq     = []byte{tagNotifSeq}
	keyNotifCount   = []byte{tagNotifCount}
)

// Pebble is the reference Store backend: every logical table is given a
// concrete embedded-KV encoding under one pebble.DB, with ordered key
// prefixes per table.
type Pebble struct {
	db *pebble.DB
	// mu serialises the compound read-modify-write operations (counter
	// allocation, RecordDiffs, FetchNotifications) that must be linearisable;
	// Pebble batches make the writes atomic but do not by themselves
	// serialise concurrent callers racing on the same counter.
	mu sync.Mutex
	// fkCache caches LookupInternalKey's forward mapping, the lookup every
	// Reconciler cycle performs in its identity-resolution step. Keyed by the
	// same bytes as keyForeignFwd rather than a struct to avoid an extra
	// allocation per lookup.
	fkCache *lru.Cache[string, model.InternalKey]
}

// Open opens (creating if necessary) a Pebble-backed Store at path.
func Open(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble store")
	}
	return newPebble(db), nil
}

// OpenWith opens a Store using caller-supplied pebble.Options, primarily so
// tests can run against an in-memory vfs.
func OpenWith(path string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble store")
	}
	return newPebble(db), nil
}

func newPebble(db *pebble.DB) *Pebble {
	cache, _ := lru.New[string, model.InternalKey](fkCacheSize)
	return &Pebble{db: db, fkCache: cache}
}

// Close closes the underlying pebble.DB.
func (p *Pebble) Close() error { return p.db.Close() }

// DB exposes the underlying pebble.DB for the metrics Collector.
func (p *Pebble) DB() *pebble.DB { return p.db }

func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	out := make([]byte, len(v))
	copy(out, v)
	_ = closer.Close()
	return out, true, nil
}

func (p *Pebble) counter(key []byte) (uint64, error) {
	v, ok, err := p.get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return u64(v), nil
}

// AllocateInternalKey allocates the next InternalKey for entity.
func (p *Pebble) AllocateInternalKey(_ context.Context, entity model.EntityName) (model.InternalKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.counter(keyIKCounter(entity))
	if err != nil {
		return 0, err
	}
	next++

	b := p.db.NewBatch()
	defer b.Close()
	_ = b.Set(keyIKCounter(entity), beU64(next), nil)
	_ = b.Set(keyIK(model.InternalKey(next)), []byte(entity), nil)
	if err := p.db.Apply(b, writeOptions); err != nil {
		return 0, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return model.InternalKey(next), nil
}

// LookupInternalKey returns the InternalKey bound to (entity, source, fk).
func (p *Pebble) LookupInternalKey(_ context.Context, entity model.EntityName, source model.SourceName, fk model.ForeignKey) (model.InternalKey, bool, error) {
	cacheKey := string(keyForeignFwd(entity, source, fk))
	if ik, ok := p.fkCache.Get(cacheKey); ok {
		return ik, true, nil
	}

	v, ok, err := p.get(keyForeignFwd(entity, source, fk))
	if err != nil || !ok {
		return 0, false, err
	}
	ik := model.InternalKey(u64(v))
	p.fkCache.Add(cacheKey, ik)
	return ik, true, nil
}

// LookupForeignKey returns the foreign key ik has at source.
func (p *Pebble) LookupForeignKey(_ context.Context, ik model.InternalKey, source model.SourceName) (model.ForeignKey, bool, error) {
	v, ok, err := p.get(keyForeignRev(ik, source))
	if err != nil || !ok {
		return "", false, err
	}
	return model.ForeignKey(v), true, nil
}

// RecordForeignKey binds fk to ik at source. It is idempotent on the exact
// pair and fails with ErrConflict if fk is already bound to a different ik.
func (p *Pebble) RecordForeignKey(_ context.Context, ik model.InternalKey, source model.SourceName, fk model.ForeignKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entity, ok, err := p.get(keyIK(ik))
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(rerrors.ErrInternal, "record foreign key: unknown internal key %d", ik)
	}

	fwdKey := keyForeignFwd(model.EntityName(entity), source, fk)
	existingIK, found, err := p.get(fwdKey)
	if err != nil {
		return err
	}
	if found && model.InternalKey(u64(existingIK)) != ik {
		return errors.Wrapf(rerrors.ErrConflict, "foreign key %s/%s/%s already bound to %d", entity, source, fk, u64(existingIK))
	}

	b := p.db.NewBatch()
	defer b.Close()
	_ = b.Set(fwdKey, beU64(uint64(ik)), nil)
	_ = b.Set(keyForeignRev(ik, source), []byte(fk), nil)
	if err := p.db.Apply(b, writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	p.fkCache.Add(string(fwdKey), ik)
	return nil
}

// DeleteInternalKey deletes ik and cascades to its foreign keys, baseline
// and diffs, within a single batch commit. Notifications already recorded
// for ik are not removed and still count as pending.
func (p *Pebble) DeleteInternalKey(ctx context.Context, ik model.InternalKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()

	entity, ok, err := p.get(keyIK(ik))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: keyForeignRevPrefix(ik), UpperBound: prefixUpperBound(keyForeignRevPrefix(ik))})
	if err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	for it.First(); it.Valid(); it.Next() {
		source := it.Key()[1+8+1:]
		fk := append([]byte{}, it.Value()...)
		fwdKey := keyForeignFwd(model.EntityName(entity), model.SourceName(source), model.ForeignKey(fk))
		_ = b.Delete(it.Key(), nil)
		_ = b.Delete(fwdKey, nil)
		p.fkCache.Remove(string(fwdKey))
	}
	_ = it.Close()

	if err := deleteDiffsInto(p, b, ik); err != nil {
		return err
	}

	_ = b.Delete(keyBaseline(ik), nil)
	_ = b.Delete(keyIK(ik), nil)

	if err := p.db.Apply(b, writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return nil
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// GetBaseline returns the last reconciled Document for ik.
func (p *Pebble) GetBaseline(_ context.Context, ik model.InternalKey) (document.Document, bool, error) {
	v, ok, err := p.get(keyBaseline(ik))
	if err != nil || !ok {
		return document.Document{}, ok, err
	}
	var doc document.Document
	if err := json.Unmarshal(v, &doc); err != nil {
		return document.Document{}, false, errors.Wrap(rerrors.ErrInternal, "decode baseline")
	}
	return doc, true, nil
}

// PutBaseline stores doc as the baseline for ik.
func (p *Pebble) PutBaseline(_ context.Context, ik model.InternalKey, doc document.Document) error {
	blob, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(rerrors.ErrInternal, "encode baseline")
	}
	if err := p.db.Set(keyBaseline(ik), blob, writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return nil
}

// DeleteBaseline removes the baseline for ik.
func (p *Pebble) DeleteBaseline(_ context.Context, ik model.InternalKey) error {
	if err := p.db.Delete(keyBaseline(ik), writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return nil
}

type diffRecordBlob struct {
	InternalKey model.InternalKey `json:"internal_key"`
	Applied     diff.Diff         `json:"applied"`
	Rejected    []diff.Diff       `json:"rejected"`
}

// RecordDiffs persists a DiffRecord for ik atomically and returns its
// newly allocated DiffID.
func (p *Pebble) RecordDiffs(_ context.Context, ik model.InternalKey, applied diff.Diff, rejected []diff.Diff) (model.DiffID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.counter(keyDiffCounter)
	if err != nil {
		return 0, err
	}
	next++
	did := model.DiffID(next)

	blob, err := json.Marshal(diffRecordBlob{InternalKey: ik, Applied: applied, Rejected: rejected})
	if err != nil {
		return 0, errors.Wrap(rerrors.ErrInternal, "encode diff record")
	}

	b := p.db.NewBatch()
	defer b.Close()
	_ = b.Set(keyDiffCounter, beU64(next), nil)
	_ = b.Set(keyDiffGlobal(did), blob, nil)
	_ = b.Set(keyDiffByIK(ik, did), nil, nil)
	if err := p.db.Apply(b, writeOptions); err != nil {
		return 0, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return did, nil
}

// ListDiffIDs returns every DiffID recorded for ik.
func (p *Pebble) ListDiffIDs(_ context.Context, ik model.InternalKey) ([]model.DiffID, error) {
	prefix := keyDiffByIKPrefix(ik)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	defer it.Close()

	var ids []model.DiffID
	for it.First(); it.Valid(); it.Next() {
		did := u64(it.Key()[len(prefix):])
		ids = append(ids, model.DiffID(did))
	}
	return ids, nil
}

// GetDiff returns the persisted applied/rejected Diffs for did.
func (p *Pebble) GetDiff(_ context.Context, did model.DiffID) (DiffRecord, bool, error) {
	v, ok, err := p.get(keyDiffGlobal(did))
	if err != nil || !ok {
		return DiffRecord{}, ok, err
	}
	var blob diffRecordBlob
	if err := json.Unmarshal(v, &blob); err != nil {
		return DiffRecord{}, false, errors.Wrap(rerrors.ErrInternal, "decode diff record")
	}
	return DiffRecord{DiffID: did, InternalKey: blob.InternalKey, Applied: blob.Applied, Rejected: blob.Rejected}, true, nil
}

// DeleteDiff removes one persisted DiffRecord.
func (p *Pebble) DeleteDiff(_ context.Context, did model.DiffID) error {
	rec, ok, err := p.GetDiff(context.Background(), did)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	b := p.db.NewBatch()
	defer b.Close()
	_ = b.Delete(keyDiffGlobal(did), nil)
	_ = b.Delete(keyDiffByIK(rec.InternalKey, did), nil)
	if err := p.db.Apply(b, writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return nil
}

// DeleteDiffs removes every DiffRecord for ik and returns how many were removed.
func (p *Pebble) DeleteDiffs(_ context.Context, ik model.InternalKey) (int, error) {
	b := p.db.NewBatch()
	defer b.Close()
	count, err := deleteDiffsCounting(p, b, ik)
	if err != nil {
		return 0, err
	}
	if err := p.db.Apply(b, writeOptions); err != nil {
		return 0, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return count, nil
}

func deleteDiffsInto(p *Pebble, b *pebble.Batch, ik model.InternalKey) error {
	_, err := deleteDiffsCounting(p, b, ik)
	return err
}

func deleteDiffsCounting(p *Pebble, b *pebble.Batch, ik model.InternalKey) (int, error) {
	prefix := keyDiffByIKPrefix(ik)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		did := u64(it.Key()[len(prefix):])
		_ = b.Delete(it.Key(), nil)
		_ = b.Delete(keyDiffGlobal(model.DiffID(did)), nil)
		count++
	}
	return count, nil
}

type notificationBlob struct {
	InternalKey model.InternalKey `json:"internal_key"`
	DiffID      model.DiffID      `json:"diff_id"`
	CreatedAt   int64             `json:"created_at"`
}

// RecordNotification enqueues a Notification for ik/did.
func (p *Pebble) RecordNotification(_ context.Context, ik model.InternalKey, did model.DiffID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, err := p.counter(keyNotifSeq)
	if err != nil {
		return err
	}
	seq++
	pending, err := p.counter(keyNotifCount)
	if err != nil {
		return err
	}
	pending++

	blob, err := json.Marshal(notificationBlob{InternalKey: ik, DiffID: did, CreatedAt: time.Now().UnixNano()})
	if err != nil {
		return errors.Wrap(rerrors.ErrInternal, "encode notification")
	}

	b := p.db.NewBatch()
	defer b.Close()
	_ = b.Set(keyNotifSeq, beU64(seq), nil)
	_ = b.Set(keyNotifCount, beU64(pending), nil)
	_ = b.Set(keyNotif(seq), blob, nil)
	if err := p.db.Apply(b, writeOptions); err != nil {
		return errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return nil
}

// FetchNotifications atomically removes up to max pending notifications, in
// the order they were recorded, and returns the count still pending.
func (p *Pebble) FetchNotifications(_ context.Context, max int) (int, []model.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := []byte{tagNotif}
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, nil, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	defer it.Close()

	b := p.db.NewBatch()
	defer b.Close()

	var out []model.Notification
	for it.First(); it.Valid() && len(out) < max; it.Next() {
		var blob notificationBlob
		if err := json.Unmarshal(it.Value(), &blob); err != nil {
			return 0, nil, errors.Wrap(rerrors.ErrInternal, "decode notification")
		}
		out = append(out, model.Notification{InternalKey: blob.InternalKey, DiffID: blob.DiffID, CreatedAt: blob.CreatedAt})
		_ = b.Delete(it.Key(), nil)
	}

	pending, err := p.counter(keyNotifCount)
	if err != nil {
		return 0, nil, err
	}
	remaining := pending - uint64(len(out))
	_ = b.Set(keyNotifCount, beU64(remaining), nil)

	if err := p.db.Apply(b, writeOptions); err != nil {
		return 0, nil, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	return int(remaining), out, nil
}

// PendingNotifications returns the current value of the same counter
// RecordNotification and FetchNotifications maintain, with no locking
// beyond the single read: a concurrent writer can make the answer stale
// by the time the caller observes it, which is fine for a gauge.
func (p *Pebble) PendingNotifications(_ context.Context) (int, error) {
	pending, err := p.counter(keyNotifCount)
	if err != nil {
		return 0, err
	}
	return int(pending), nil
}

// EntityOf returns the entity ik was allocated for.
func (p *Pebble) EntityOf(_ context.Context, ik model.InternalKey) (model.EntityName, bool, error) {
	v, ok, err := p.get(keyIK(ik))
	if err != nil || !ok {
		return "", ok, err
	}
	return model.EntityName(v), true, nil
}

// ListConflicted returns every persisted DiffRecord with a non-empty
// Rejected set, scanning the global diff table regardless of InternalKey.
func (p *Pebble) ListConflicted(_ context.Context) ([]DiffRecord, error) {
	prefix := []byte{tagDiffGlobal}
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, errors.Wrap(rerrors.ErrUnavailable, err.Error())
	}
	defer it.Close()

	var out []DiffRecord
	for it.First(); it.Valid(); it.Next() {
		did := model.DiffID(u64(it.Key()[1:]))
		var blob diffRecordBlob
		if err := json.Unmarshal(it.Value(), &blob); err != nil {
			return nil, errors.Wrap(rerrors.ErrInternal, "decode diff record")
		}
		if !hasRejectedOps(blob.Rejected) {
			continue
		}
		out = append(out, DiffRecord{DiffID: did, InternalKey: blob.InternalKey, Applied: blob.Applied, Rejected: blob.Rejected})
	}
	return out, nil
}

func hasRejectedOps(rejected []diff.Diff) bool {
	for _, d := range rejected {
		if len(d.Ops) > 0 {
			return true
		}
	}
	return false
}

var _ ReadWriteStore = (*Pebble)(nil)
