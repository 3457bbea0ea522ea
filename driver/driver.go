// Package driver defines the per-(entity,source) CRUD contract external
// systems implement, a static startup-time registry of driver instances,
// and two reference drivers: an in-memory driver for tests and local runs,
// and a shell-command driver for the default configuration-file shape.
package driver

import (
	"context"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
)

// Driver is the contract a data source implements for one (entity, source)
// pair. NotFound and Unavailable are reported via rerrors sentinels.
type Driver interface {
	// Get returns the current Document for fk.
	Get(ctx context.Context, fk model.ForeignKey) (document.Document, error)
	// Set upserts doc. If fk is empty, Set creates a new record and returns
	// its foreign key; idempotency is not required of the driver, the
	// Reconciler avoids duplicate calls.
	Set(ctx context.Context, doc document.Document, fk model.ForeignKey) (model.ForeignKey, error)
	// Delete removes fk. NotFound counts as success: a driver that no
	// longer holds fk returns nil, as both reference drivers do.
	Delete(ctx context.Context, fk model.ForeignKey) error
}

// Lifecycle is implemented by drivers that need sequenced startup/shutdown
// hooks. Not every reference driver needs one.
type Lifecycle interface {
	// Init receives the driver's per-driver configuration bag, the flat
	// string->string map passed to Registry.Register for it.
	Init(cfg map[string]string) error
	Close() error
}
