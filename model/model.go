// Package model holds the identifier and value types shared by every other
// package in the reconciler: entity/source names, internal and foreign keys,
// diff/notification identifiers, and the work item the Dispatcher moves
// around. None of these types carry behaviour of their own; they exist so
// the rest of the module can avoid a compile-time type index and pass plain
// data instead (see DESIGN.md's model entry).
package model

import "fmt"

// EntityName names a class of logical record, e.g. "customer".
type EntityName string

// SourceName names an external system that stores records of an entity.
type SourceName string

// InternalKey is the reconciler's own identifier for a logical record,
// unique per entity. It is never reused once its internal key is deleted.
type InternalKey uint64

// ForeignKey is an external source's identifier for its copy of a record,
// unique per (entity, source).
type ForeignKey string

// DiffID identifies one persisted DiffRecord.
type DiffID uint64

// OpID identifies one operation within a persisted DiffRecord. Uniqueness
// is scoped to the DiffID it was recorded under; ordering matches the order
// operations were recorded in.
type OpID uint32

func (ik InternalKey) String() string { return fmt.Sprintf("ik:%d", uint64(ik)) }
func (did DiffID) String() string     { return fmt.Sprintf("did:%d", uint64(did)) }

// Notification records that a DiffRecord with non-empty rejected operations
// was persisted and is awaiting operator review.
type Notification struct {
	InternalKey InternalKey
	DiffID      DiffID
	CreatedAt   int64 // unix nanos; stamped by the Store, not by callers
}

// WorkItem is a pending reconciliation request, derived from a change
// notification and consumed exactly once by a Dispatcher worker.
type WorkItem struct {
	Entity     EntityName
	Source     SourceName
	ForeignKey ForeignKey
}

// ChangeNotification is the external payload that produces a WorkItem.
// All three fields are required and non-empty.
type ChangeNotification struct {
	Entity     EntityName
	Source     SourceName
	ForeignKey ForeignKey
}

func (n ChangeNotification) WorkItem() WorkItem {
	return WorkItem{Entity: n.Entity, Source: n.Source, ForeignKey: n.ForeignKey}
}
