// Package reconciler implements the core fetch/diff/merge/write-back cycle
// that drives every entity toward a reconciled baseline across its
// declared sources.
package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/driver"
	"github.com/anchor/retcon/metrics"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
	"github.com/anchor/retcon/store"
	"github.com/anchor/retcon/utils"
)

// Outcome classifies how a cycle attempt ended.
type Outcome int

const (
	// Committed means write-back succeeded on every present source and the
	// baseline was advanced.
	Committed Outcome = iota
	// Retryable means the cycle aborted on an Unavailable failure and
	// should be retried with backoff by the Dispatcher.
	Retryable
	// Permanent means the cycle aborted on a non-retryable error
	// (Conflict, DiffMismatch, Internal) and recorded what it could for
	// operator inspection.
	Permanent
)

// Result reports the outcome of one cycle attempt.
type Result struct {
	Outcome     Outcome
	InternalKey model.InternalKey
	DiffID      model.DiffID // the DiffRecord persisted by Run, or the one a Resolve follow-up worked from; zero if neither
	Rejected    bool         // true if the persisted DiffRecord has any rejected operations
	Err         error
}

// DefaultTimeout is the per-driver-call timeout enforced by the Reconciler
// when none is configured.
const DefaultTimeout = 30 * time.Second

// Reconciler orchestrates one cycle at a time; callers (the Dispatcher)
// are responsible for serialising cycles per InternalKey.
type Reconciler struct {
	Store   store.ReadWriteStore
	Drivers *driver.Registry
	Timeout time.Duration
	Logger  utils.Logger

	metrics *metrics.Metrics
}

// SetMetrics attaches a Metrics collector; nil disables instrumentation.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New returns a Reconciler with DefaultTimeout.
func New(s store.ReadWriteStore, drivers *driver.Registry, logger utils.Logger) *Reconciler {
	return &Reconciler{Store: s, Drivers: drivers, Timeout: DefaultTimeout, Logger: logger}
}

func (r *Reconciler) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// fetched holds the outcome of fetching one source's Document in step 2.
type fetched struct {
	source  model.SourceName
	fk      model.ForeignKey
	doc     document.Document
	present bool // true if the source currently holds fk (not deleted, not absent)
	deleted bool // true if the source reported NotFound for a previously-known fk
}

// Run executes one cycle for item: identity resolution, fetch, baseline
// load, diff, merge, write-back, notify.
func (r *Reconciler) Run(ctx context.Context, item model.WorkItem) Result {
	sources, err := r.Drivers.Sources(item.Entity)
	if err != nil {
		return Result{Outcome: Permanent, Err: err}
	}

	// Step 1: identity resolution.
	ik, found, err := r.Store.LookupInternalKey(ctx, item.Entity, item.Source, item.ForeignKey)
	if err != nil {
		return Result{Outcome: Retryable, Err: err}
	}
	if !found {
		ik, err = r.Store.AllocateInternalKey(ctx, item.Entity)
		if err != nil {
			return Result{Outcome: Retryable, Err: err}
		}
		if err := r.Store.RecordForeignKey(ctx, ik, item.Source, item.ForeignKey); err != nil {
			return Result{Outcome: Permanent, InternalKey: ik, Err: err}
		}
	}

	// Steps 2 and 3 only read, through the read-only view.
	ro := store.ReadOnlyStore(r.Store)

	// Step 2: fetch.
	fetches := make([]fetched, 0, len(sources))
	for _, source := range sources {
		fk, ok, err := ro.LookupForeignKey(ctx, ik, source)
		if err != nil {
			return Result{Outcome: Retryable, InternalKey: ik, Err: err}
		}
		if !ok {
			continue // absent source: produces no Document
		}
		d, err := r.Drivers.Driver(item.Entity, source)
		if err != nil {
			return Result{Outcome: Permanent, InternalKey: ik, Err: err}
		}

		getCtx, cancel := context.WithTimeout(ctx, r.timeout())
		doc, err := d.Get(getCtx, fk)
		cancel()

		switch {
		case err == nil:
			fetches = append(fetches, fetched{source: source, fk: fk, doc: doc, present: true})
		case errors.Is(err, rerrors.ErrNotFound):
			fetches = append(fetches, fetched{source: source, fk: fk, deleted: true})
		default:
			return Result{Outcome: Retryable, InternalKey: ik, Err: errors.Wrapf(err, "fetch %s/%s", item.Entity, source)}
		}
	}

	// Step 3: baseline load.
	baseline, ok, err := ro.GetBaseline(ctx, ik)
	if err != nil {
		return Result{Outcome: Retryable, InternalKey: ik, Err: err}
	}
	if !ok {
		baseline = document.Empty()
	}

	// Step 4: diff.
	patches := make([]diff.Diff, 0, len(fetches))
	for _, f := range fetches {
		if f.deleted {
			patches = append(patches, diff.Compute(baseline, document.Empty(), "deleted"))
			continue
		}
		patches = append(patches, diff.Compute(baseline, f.doc, string(f.source)))
	}

	// Step 5: merge.
	applied, rejected := diff.Merge(baseline, patches)

	if len(applied.Ops) == 0 && !anyRejected(rejected) {
		// Nothing changed: no DiffRecord to persist, per the invariant
		// that a DiffRecord only exists when applied ∪ rejected is non-empty.
		return Result{Outcome: Committed, InternalKey: ik}
	}

	// Step 6: compute new baseline.
	newBaseline, err := diff.Apply(applied, baseline)
	if err != nil {
		return Result{Outcome: Permanent, InternalKey: ik, Err: errors.Wrap(err, "apply merged diff to baseline")}
	}

	did, notifyErr := r.persistDiffRecord(ctx, ik, applied, rejected)
	if notifyErr != nil {
		return Result{Outcome: Retryable, InternalKey: ik, DiffID: did, Err: notifyErr}
	}

	// Step 7: write-back. A source whose fetched Document already hashes the
	// same as the merged baseline did not actually disagree with the merge
	// result (it was the Diff's own source, or it happened to already hold
	// the winning value) and gets no Set call.
	newHash := newBaseline.Hash()
	for _, f := range fetches {
		if f.deleted {
			continue
		}
		if f.present && f.doc.Hash() == newHash {
			continue
		}
		d, err := r.Drivers.Driver(item.Entity, f.source)
		if err != nil {
			return Result{Outcome: Permanent, InternalKey: ik, DiffID: did, Rejected: anyRejected(rejected), Err: err}
		}
		setCtx, cancel := context.WithTimeout(ctx, r.timeout())
		_, err = d.Set(setCtx, newBaseline, f.fk)
		cancel()
		if err != nil {
			return Result{Outcome: Retryable, InternalKey: ik, DiffID: did, Rejected: anyRejected(rejected),
				Err: errors.Wrapf(err, "write-back %s/%s", item.Entity, f.source)}
		}
	}

	if err := r.Store.PutBaseline(ctx, ik, newBaseline); err != nil {
		return Result{Outcome: Retryable, InternalKey: ik, DiffID: did, Rejected: anyRejected(rejected), Err: err}
	}

	return Result{Outcome: Committed, InternalKey: ik, DiffID: did, Rejected: anyRejected(rejected)}
}

// persistDiffRecord records the DiffRecord produced by a cycle and, if it
// carries any rejected operations, the Notification referencing it. It is
// shared by Run and ResolveFollowUp so both satisfy "every persisted
// DiffRecord with non-empty rejected has exactly one Notification".
func (r *Reconciler) persistDiffRecord(ctx context.Context, ik model.InternalKey, applied diff.Diff, rejected []diff.Diff) (model.DiffID, error) {
	did, err := r.Store.RecordDiffs(ctx, ik, applied, rejected)
	if err != nil {
		return 0, err
	}
	if anyRejected(rejected) {
		if err := r.Store.RecordNotification(ctx, ik, did); err != nil {
			return did, err
		}
		r.reportPending(ctx)
	}
	return did, nil
}

// reportPending refreshes the notifications-pending gauge after a store
// mutation that could have changed it. Errors are swallowed: a stale
// gauge reading is not worth failing a cycle over.
func (r *Reconciler) reportPending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if n, err := r.Store.PendingNotifications(ctx); err == nil {
		r.metrics.NotificationsPending.Set(float64(n))
	}
}

func anyRejected(rejected []diff.Diff) bool {
	for _, d := range rejected {
		if len(d.Ops) > 0 {
			return true
		}
	}
	return false
}
