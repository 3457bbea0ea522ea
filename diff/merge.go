package diff

import (
	"sort"

	"github.com/anchor/retcon/document"
)

// Merger reduces a baseline and a list of per-source patches into a single
// applied Diff plus, per patch, the operations that could not be safely
// merged. Merge is pluggable so an alternate conflict strategy can be
// substituted without touching the Reconciler; DefaultMerger
// (reject-on-disagreement) is the only strategy shipped (DESIGN.md's Open
// Question 2).
type Merger interface {
	Merge(baseline document.Document, patches []Diff) (applied Diff, rejected []Diff)
}

// DefaultMerger is the reject-on-disagreement strategy: if any two patches
// touch the same path with differing final values, every operation
// touching that path in every patch is rejected — never partially applied.
type DefaultMerger struct{}

// pathTouch records one patch's operation on a path, keeping the index of
// the originating patch so rejected operations can be redistributed back
// into per-source Diffs.
type pathTouch struct {
	patchIdx int
	op       Operation
}

// Merge implements Merger using the reject-on-disagreement strategy.
func (DefaultMerger) Merge(baseline document.Document, patches []Diff) (Diff, []Diff) {
	touches := map[string][]pathTouch{}
	order := []string{}
	for i, p := range patches {
		for _, op := range p.Ops {
			key := op.Path.String()
			if _, ok := touches[key]; !ok {
				order = append(order, key)
			}
			touches[key] = append(touches[key], pathTouch{patchIdx: i, op: op})
		}
	}
	sort.Strings(order)

	applied := Diff{}
	rejected := make([]Diff, len(patches))
	for i, p := range patches {
		rejected[i] = Diff{Label: p.Label}
	}

	for _, key := range order {
		group := touches[key]
		if agree(group) {
			applied.Ops = append(applied.Ops, representative(group))
			continue
		}
		for _, t := range group {
			rejected[t.patchIdx].Ops = append(rejected[t.patchIdx].Ops, t.op)
		}
	}
	return applied, rejected
}

// agree reports whether every touch in the group leaves the same final
// value at the path. A single touch is trivially in agreement: two
// Inserts of identical values are not a conflict simply because they
// compare equal here, and a lone Delete never disagrees with anything
// since no other patch has an operation on that path to compare against.
func agree(group []pathTouch) bool {
	if len(group) <= 1 {
		return true
	}
	first, firstOK := group[0].op.FinalValue()
	for _, t := range group[1:] {
		v, ok := t.op.FinalValue()
		if ok != firstOK || v != first {
			return false
		}
	}
	return true
}

// representative picks one operation to stand in for an agreeing group.
// Since every touch in the group was computed against the same baseline
// and agrees on the final value, their Kind/OldValue/NewValue are
// necessarily identical; only the provenance Label differs. The
// lexicographically smallest label is kept, so the choice is deterministic.
func representative(group []pathTouch) Operation {
	best := group[0].op
	for _, t := range group[1:] {
		if t.op.Label < best.Label {
			best = t.op
		}
	}
	return best
}

// Merge is a convenience wrapper around DefaultMerger, used wherever the
// engine does not need a pluggable strategy.
func Merge(baseline document.Document, patches []Diff) (applied Diff, rejected []Diff) {
	return DefaultMerger{}.Merge(baseline, patches)
}
