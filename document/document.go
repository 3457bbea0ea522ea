// Package document implements the canonical tree of string-keyed nodes with
// string leaves that every driver and the reconciliation cycle operate on.
package document

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Path is an ordered sequence of non-empty text segments identifying one
// leaf value in a Document.
type Path []string

// String renders a path as a dotted string. Besides logging, it is the key
// Document's index and diff's path grouping look paths up by.
func (p Path) String() string { return strings.Join(p, ".") }

// Equal reports whether two paths have identical segments in the same order.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Less orders paths lexicographically, segment by segment, matching the
// deterministic ordering diff.Compute relies on.
func (p Path) Less(o Path) bool {
	for i := 0; i < len(p) && i < len(o); i++ {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return len(p) < len(o)
}

type entry struct {
	path  Path
	value string
}

// Document is an immutable mapping from field path to text value. The zero
// value is not valid; use Empty() to obtain an empty Document. Mutation is
// expressed only by producing a new Document (e.g. via diff.Apply).
type Document struct {
	entries []entry
	index   map[string]string
}

// Empty returns a Document with no paths.
func Empty() Document {
	return Document{index: map[string]string{}}
}

// Get returns the value stored at path and whether it was present. A
// missing path is distinct from a path holding an empty string.
func (d Document) Get(path Path) (string, bool) {
	v, ok := d.index[path.String()]
	return v, ok
}

// Paths returns every path present in the Document, in deterministic
// lexicographic order.
func (d Document) Paths() []Path {
	out := make([]Path, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.path)
	}
	return out
}

// Len reports the number of paths in the Document.
func (d Document) Len() int { return len(d.entries) }

// Hash returns a content hash over the Document's sorted path/value pairs,
// so a cycle can cheaply tell two fetched Documents apart without an
// Equal's path-by-path comparison.
func (d Document) Hash() uint64 {
	h := xxhash.New()
	for _, e := range d.entries {
		for _, seg := range e.path {
			_, _ = h.WriteString(seg)
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{1})
		_, _ = h.WriteString(e.value)
		_, _ = h.Write([]byte{2})
	}
	return h.Sum64()
}

// Equal reports whether two Documents expose the same path->value mapping.
func (d Document) Equal(o Document) bool {
	if len(d.entries) != len(o.entries) {
		return false
	}
	for i, e := range d.entries {
		oe := o.entries[i]
		if !e.path.Equal(oe.path) || e.value != oe.value {
			return false
		}
	}
	return true
}

// Builder accumulates (path, value) pairs and produces an immutable
// Document. It exists so diff.Apply can build a result without repeated
// re-sorting of a growing Document.
type Builder struct {
	entries []entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// Set inserts or overwrites the value at path.
func (b *Builder) Set(path Path, value string) {
	key := path.String()
	for i, e := range b.entries {
		if e.path.String() == key {
			b.entries[i].value = value
			return
		}
	}
	cp := make(Path, len(path))
	copy(cp, path)
	b.entries = append(b.entries, entry{path: cp, value: value})
}

// Delete removes the value at path, if present.
func (b *Builder) Delete(path Path) {
	key := path.String()
	for i, e := range b.entries {
		if e.path.String() == key {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Build produces the immutable, sorted Document.
func (b *Builder) Build() Document {
	entries := make([]entry, len(b.entries))
	copy(entries, b.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].path.Less(entries[j].path) })
	index := make(map[string]string, len(entries))
	for _, e := range entries {
		index[e.path.String()] = e.value
	}
	return Document{entries: entries, index: index}
}

// FromMap builds a Document out of a flat path->value map, primarily for
// tests and reference drivers where literal Documents are convenient.
func FromMap(m map[string]string) Document {
	b := NewBuilder()
	for k, v := range m {
		b.Set(Path{k}, v)
	}
	return b.Build()
}

// jsonNode is the self-describing text format: nested objects of
// string->(string|object), values coerced to text. Paths are derived by
// flattening nested objects.
type jsonNode map[string]any

// MarshalJSON serializes a Document into the nested-object shape.
func (d Document) MarshalJSON() ([]byte, error) {
	root := jsonNode{}
	for _, e := range d.entries {
		insertPath(root, e.path, e.value)
	}
	return json.Marshal(map[string]any(root))
}

func insertPath(root jsonNode, path Path, value string) {
	cur := root
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(jsonNode)
		if !ok {
			next = jsonNode{}
			cur[seg] = next
		}
		cur = next
	}
}

// UnmarshalJSON parses the nested-object shape back into a Document,
// flattening nested objects into paths and coercing scalar values to text.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b := NewBuilder()
	flatten(nil, raw, b)
	*d = b.Build()
	return nil
}

func flatten(prefix Path, node map[string]any, b *Builder) {
	for k, v := range node {
		path := append(append(Path{}, prefix...), k)
		switch tv := v.(type) {
		case map[string]any:
			flatten(path, tv, b)
		case string:
			b.Set(path, tv)
		default:
			b.Set(path, coerceText(tv))
		}
	}
}

func coerceText(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
