package driver

import (
	"fmt"

	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// registration pairs a driver instance with the (entity, source) it was
// declared for and the configuration bag it was initialised with.
type registration struct {
	entity model.EntityName
	source model.SourceName
	driver Driver
	config map[string]string
}

// Registry is the runtime, data-driven mapping from (entity, source) to a
// driver instance, kept data-driven rather than a compile-time type index
// so entities and sources can be declared entirely from configuration. It
// is built once at startup by repeated calls to Register and never
// mutated afterward by request handling.
type Registry struct {
	regs  []registration
	byKey map[model.EntityName]map[model.SourceName]Driver
	// sources preserves, per entity, the declared source order so the
	// Reconciler can iterate deterministically.
	sources map[model.EntityName][]model.SourceName
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   map[model.EntityName]map[model.SourceName]Driver{},
		sources: map[model.EntityName][]model.SourceName{},
	}
}

// Register declares a driver for (entity, source) with its configuration
// bag. Registration order is preserved for Init/Close sequencing.
func (r *Registry) Register(entity model.EntityName, source model.SourceName, d Driver, cfg map[string]string) {
	r.regs = append(r.regs, registration{entity: entity, source: source, driver: d, config: cfg})
	if r.byKey[entity] == nil {
		r.byKey[entity] = map[model.SourceName]Driver{}
	}
	r.byKey[entity][source] = d
	r.sources[entity] = append(r.sources[entity], source)
}

// Driver returns the driver registered for (entity, source).
func (r *Registry) Driver(entity model.EntityName, source model.SourceName) (Driver, error) {
	bySource, ok := r.byKey[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rerrors.ErrUnknownEntity, entity)
	}
	d, ok := bySource[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", rerrors.ErrUnknownSource, entity, source)
	}
	return d, nil
}

// Sources returns the declared source names for entity, in registration
// order, or an error if the entity was never declared.
func (r *Registry) Sources(entity model.EntityName) ([]model.SourceName, error) {
	sources, ok := r.sources[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rerrors.ErrUnknownEntity, entity)
	}
	return sources, nil
}

// HasEntity reports whether entity has any declared sources.
func (r *Registry) HasEntity(entity model.EntityName) bool {
	_, ok := r.sources[entity]
	return ok
}

// Init initialises every registered driver in declared order, stopping and
// returning the first error encountered.
func (r *Registry) Init() error {
	for _, reg := range r.regs {
		lc, ok := reg.driver.(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Init(reg.config); err != nil {
			return fmt.Errorf("init driver %s/%s: %w", reg.entity, reg.source, err)
		}
	}
	return nil
}

// Close finalises every registered driver in reverse declared order,
// collecting (not short-circuiting on) errors.
func (r *Registry) Close() error {
	var firstErr error
	for i := len(r.regs) - 1; i >= 0; i-- {
		lc, ok := r.regs[i].driver.(Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close driver %s/%s: %w", r.regs[i].entity, r.regs[i].source, err)
		}
	}
	return firstErr
}
