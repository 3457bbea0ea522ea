package reconciler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// OpEntry pairs a rejected Operation with the OpID the Server reports it
// under in ListConflicts. OpIDs are assigned by flattening a DiffRecord's
// Rejected diffs in their persisted order, so they stay unique within a
// DiffID and stable across repeated listings.
type OpEntry struct {
	OpID model.OpID
	Op   diff.Operation
}

// FlattenRejected assigns OpIDs to every operation in rejected, in order.
func FlattenRejected(rejected []diff.Diff) []OpEntry {
	var out []OpEntry
	var id model.OpID
	for _, d := range rejected {
		for _, op := range d.Ops {
			out = append(out, OpEntry{OpID: id, Op: op})
			id++
		}
	}
	return out
}

// ResolveFollowUp implements the cycle a Resolve request schedules: the
// listed operations are treated as applied on top of the current baseline
// and dropped from rejected, together with every other rejected operation
// on the same paths; rejected operations on other paths are carried forward
// under a new DiffRecord.
func (r *Reconciler) ResolveFollowUp(ctx context.Context, did model.DiffID, opIDs []model.OpID) Result {
	rec, ok, err := r.Store.GetDiff(ctx, did)
	if err != nil {
		return Result{Outcome: Retryable, DiffID: did, Err: err}
	}
	if !ok {
		return Result{Outcome: Permanent, DiffID: did, Err: errors.Wrapf(rerrors.ErrNotFound, "diff %d", did)}
	}

	wanted := make(map[model.OpID]bool, len(opIDs))
	for _, id := range opIDs {
		wanted[id] = true
	}

	entries := FlattenRejected(rec.Rejected)
	var resolvedOps []diff.Operation
	remaining := make([]diff.Diff, len(rec.Rejected))
	for i, d := range rec.Rejected {
		remaining[i] = diff.Diff{Label: d.Label}
	}

	idx := 0
	for sourceIdx, d := range rec.Rejected {
		for _, op := range d.Ops {
			entry := entries[idx]
			idx++
			if wanted[entry.OpID] {
				resolvedOps = append(resolvedOps, op)
				delete(wanted, entry.OpID)
			} else {
				remaining[sourceIdx].Ops = append(remaining[sourceIdx].Ops, op)
			}
		}
	}
	if len(wanted) > 0 {
		return Result{Outcome: Permanent, DiffID: did, Err: errors.Wrap(rerrors.ErrInvalidMessage, "resolve: unknown operation id")}
	}
	settled := make(map[string]bool, len(resolvedOps))
	for _, op := range resolvedOps {
		settled[op.Path.String()] = true
	}
	for i := range remaining {
		var kept []diff.Operation
		for _, op := range remaining[i].Ops {
			if !settled[op.Path.String()] {
				kept = append(kept, op)
			}
		}
		remaining[i].Ops = kept
	}

	entity, ok, err := r.Store.EntityOf(ctx, rec.InternalKey)
	if err != nil {
		return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did, Err: err}
	}
	if !ok {
		return Result{Outcome: Permanent, InternalKey: rec.InternalKey, DiffID: did, Err: errors.Wrap(rerrors.ErrInternal, "resolve: internal key has no entity")}
	}

	baseline, ok, err := r.Store.GetBaseline(ctx, rec.InternalKey)
	if err != nil {
		return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did, Err: err}
	}
	if !ok {
		baseline = document.Empty()
	}

	resolved := diff.Diff{Label: "resolved", Ops: resolvedOps}
	newBaseline, err := diff.Apply(resolved, baseline)
	if err != nil {
		return Result{Outcome: Permanent, InternalKey: rec.InternalKey, DiffID: did, Err: errors.Wrap(err, "apply resolved ops to baseline")}
	}

	sources, err := r.Drivers.Sources(entity)
	if err != nil {
		return Result{Outcome: Permanent, InternalKey: rec.InternalKey, DiffID: did, Err: err}
	}
	for _, source := range sources {
		fk, ok, err := r.Store.LookupForeignKey(ctx, rec.InternalKey, source)
		if err != nil {
			return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did, Err: err}
		}
		if !ok {
			continue
		}
		d, err := r.Drivers.Driver(entity, source)
		if err != nil {
			return Result{Outcome: Permanent, InternalKey: rec.InternalKey, DiffID: did, Err: err}
		}
		setCtx, cancel := context.WithTimeout(ctx, r.timeout())
		_, err = d.Set(setCtx, newBaseline, fk)
		cancel()
		if err != nil {
			return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did,
				Err: errors.Wrapf(err, "write-back %s/%s", entity, source)}
		}
	}

	if err := r.Store.PutBaseline(ctx, rec.InternalKey, newBaseline); err != nil {
		return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did, Err: err}
	}

	newDid := did
	stillRejected := anyRejected(remaining)
	if stillRejected {
		newDid, err = r.persistDiffRecord(ctx, rec.InternalKey, diff.Diff{}, remaining)
		if err != nil {
			return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: did, Err: err}
		}
	}
	if err := r.Store.DeleteDiff(ctx, did); err != nil {
		return Result{Outcome: Retryable, InternalKey: rec.InternalKey, DiffID: newDid, Err: err}
	}

	return Result{Outcome: Committed, InternalKey: rec.InternalKey, DiffID: newDid, Rejected: stillRejected}
}
