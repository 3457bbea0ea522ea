package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/anchor/retcon/document"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

// Memory is a deterministic in-memory reference driver used by tests and
// local/dev runs. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	nextFK int
	docs   map[model.ForeignKey]document.Document
}

// NewMemory returns an empty Memory driver.
func NewMemory() *Memory {
	return &Memory{docs: map[model.ForeignKey]document.Document{}}
}

// Seed pre-populates the driver with a record under a specific foreign key,
// for test setup.
func (m *Memory) Seed(fk model.ForeignKey, doc document.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[fk] = doc
}

func (m *Memory) Get(_ context.Context, fk model.ForeignKey) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[fk]
	if !ok {
		return document.Document{}, fmt.Errorf("%w: %s", rerrors.ErrNotFound, fk)
	}
	return doc, nil
}

func (m *Memory) Set(_ context.Context, doc document.Document, fk model.ForeignKey) (model.ForeignKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fk == "" {
		m.nextFK++
		fk = model.ForeignKey(fmt.Sprintf("mem-%d", m.nextFK))
	}
	m.docs[fk] = doc
	return fk, nil
}

func (m *Memory) Delete(_ context.Context, fk model.ForeignKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, fk)
	return nil
}
