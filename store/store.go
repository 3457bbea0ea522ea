// Package store defines the persistence contract the Reconciler depends
// on and ships a Pebble-backed reference implementation.
package store

import (
	"context"

	"github.com/anchor/retcon/diff"
	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
)

// DiffRecord is the persisted tuple (DiffID, InternalKey, applied, rejected)
// created atomically per reconciliation cycle that produced any content.
type DiffRecord struct {
	DiffID      model.DiffID
	InternalKey model.InternalKey
	Applied     diff.Diff
	Rejected    []diff.Diff
}

// ReadOnlyStore restricts the full contract to the lookup operations the
// Reconciler's fetch and diff steps need. It is one of two capability
// views: the Reconciler's fetch and baseline-load steps go through this
// interface, so those steps cannot call a write operation; the steps that
// write use ReadWriteStore.
type ReadOnlyStore interface {
	LookupInternalKey(ctx context.Context, entity model.EntityName, source model.SourceName, fk model.ForeignKey) (model.InternalKey, bool, error)
	LookupForeignKey(ctx context.Context, ik model.InternalKey, source model.SourceName) (model.ForeignKey, bool, error)
	GetBaseline(ctx context.Context, ik model.InternalKey) (document.Document, bool, error)
	ListDiffIDs(ctx context.Context, ik model.InternalKey) ([]model.DiffID, error)
	GetDiff(ctx context.Context, did model.DiffID) (DiffRecord, bool, error)
	// EntityOf returns the entity an internal key was allocated for. A
	// Resolve request only carries a DiffID, so the entity an internal key
	// belongs to must be recoverable from the store alone.
	EntityOf(ctx context.Context, ik model.InternalKey) (model.EntityName, bool, error)
	// ListConflicted returns every DiffRecord with non-empty Rejected,
	// backing the Server's ListConflicts request.
	ListConflicted(ctx context.Context) ([]DiffRecord, error)
}

// ReadWriteStore is the full store contract.
type ReadWriteStore interface {
	ReadOnlyStore

	AllocateInternalKey(ctx context.Context, entity model.EntityName) (model.InternalKey, error)
	RecordForeignKey(ctx context.Context, ik model.InternalKey, source model.SourceName, fk model.ForeignKey) error
	DeleteInternalKey(ctx context.Context, ik model.InternalKey) error

	PutBaseline(ctx context.Context, ik model.InternalKey, doc document.Document) error
	DeleteBaseline(ctx context.Context, ik model.InternalKey) error

	RecordDiffs(ctx context.Context, ik model.InternalKey, applied diff.Diff, rejected []diff.Diff) (model.DiffID, error)
	DeleteDiff(ctx context.Context, did model.DiffID) error
	DeleteDiffs(ctx context.Context, ik model.InternalKey) (int, error)

	RecordNotification(ctx context.Context, ik model.InternalKey, did model.DiffID) error
	// FetchNotifications atomically removes up to max pending notifications
	// and returns the count still pending afterward.
	FetchNotifications(ctx context.Context, max int) (remaining int, notifications []model.Notification, err error)
	// PendingNotifications returns the count RecordNotification/
	// FetchNotifications currently agree on, without touching either
	// table. It backs the notifications-pending gauge.
	PendingNotifications(ctx context.Context) (int, error)
}
