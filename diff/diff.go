// Package diff implements the patch algebra over Documents: computing the
// minimal deterministic Diff between two Documents, applying a Diff, and
// merging several per-source Diffs against a common baseline.
package diff

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/rerrors"
)

// Kind discriminates the closed set of per-path operations. A flat struct
// with a Kind tag is used instead of an interface-typed Operation so that
// equality and serialization stay trivial (see DESIGN.md).
type Kind int

const (
	Insert Kind = iota
	Delete
	Replace
)

// Operation is one per-path change. OldValue is set for Delete and Replace;
// NewValue is set for Insert and Replace. Label carries the provenance of
// the Diff the operation originated from, so a merged Diff assembled from
// several sources can still report where each surviving operation came
// from.
type Operation struct {
	Kind     Kind
	Path     document.Path
	OldValue string
	NewValue string
	Label    string
}

// FinalValue is the value the operation leaves at Path, or ("", false) for
// a Delete.
func (op Operation) FinalValue() (string, bool) {
	switch op.Kind {
	case Insert, Replace:
		return op.NewValue, true
	default:
		return "", false
	}
}

// Diff is a labelled ordered sequence of per-path operations. The label
// tags provenance (typically the source name the Diff was computed
// against); empty_diff is Diff{}.
type Diff struct {
	Label string
	Ops   []Operation
}

// Empty returns the zero-length Diff.
func Empty(label string) Diff { return Diff{Label: label} }

// Compute returns the Diff p such that Apply(p, a) == b, with exactly one
// operation per path in paths(a) union paths(b) whose value differs.
// Operations are ordered deterministically by path so that equal inputs
// always produce byte-identical Diffs.
func Compute(a, b document.Document, label string) Diff {
	seen := map[string]document.Path{}
	for _, p := range a.Paths() {
		seen[p.String()] = p
	}
	for _, p := range b.Paths() {
		seen[p.String()] = p
	}

	paths := make([]document.Path, 0, len(seen))
	for _, p := range seen {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })

	d := Diff{Label: label}
	for _, p := range paths {
		av, aok := a.Get(p)
		bv, bok := b.Get(p)
		switch {
		case !aok && bok:
			d.Ops = append(d.Ops, Operation{Kind: Insert, Path: p, NewValue: bv, Label: label})
		case aok && !bok:
			d.Ops = append(d.Ops, Operation{Kind: Delete, Path: p, OldValue: av, Label: label})
		case aok && bok && av != bv:
			d.Ops = append(d.Ops, Operation{Kind: Replace, Path: p, OldValue: av, NewValue: bv, Label: label})
		}
	}
	return d
}

// Apply applies p to doc. It is total when every Delete(path) and
// Replace(path,old,_) in p matches doc; otherwise it fails with
// rerrors.ErrDiffMismatch identifying the first failing operation.
func Apply(p Diff, doc document.Document) (document.Document, error) {
	b := document.NewBuilder()
	for _, path := range doc.Paths() {
		v, _ := doc.Get(path)
		b.Set(path, v)
	}
	for _, op := range p.Ops {
		cur, ok := doc.Get(op.Path)
		switch op.Kind {
		case Insert:
			b.Set(op.Path, op.NewValue)
		case Delete:
			if !ok || cur != op.OldValue {
				return document.Document{}, rerrors.WithMessagef(rerrors.ErrDiffMismatch,
					"delete at %q: expected %q, found %q (present=%v)", op.Path, op.OldValue, cur, ok)
			}
			b.Delete(op.Path)
		case Replace:
			if !ok || cur != op.OldValue {
				return document.Document{}, rerrors.WithMessagef(rerrors.ErrDiffMismatch,
					"replace at %q: expected %q, found %q (present=%v)", op.Path, op.OldValue, cur, ok)
			}
			b.Set(op.Path, op.NewValue)
		default:
			return document.Document{}, errors.Wrapf(rerrors.ErrInternal, "unknown operation kind %d", op.Kind)
		}
	}
	return b.Build(), nil
}
