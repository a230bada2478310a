package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// MemoryCatalog is an in-memory Catalog for tests and ephemeral runs.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]Entry)}
}

func memKey(container string, item int64) string {
	return fmt.Sprintf("%s/%d", container, item)
}

func (m *MemoryCatalog) Add(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey(e.Container, e.ItemID)] = *e
	return nil
}

func (m *MemoryCatalog) Get(ctx context.Context, container string, item int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[memKey(container, item)]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryCatalog) Delete(ctx context.Context, container string, item int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(container, item))
	return nil
}

func (m *MemoryCatalog) FindByTitleRegex(ctx context.Context, container, expr string) (*Entry, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compiling title expression: %w", err)
	}

	entries, err := m.List(ctx, container)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if re.MatchString(e.Title) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryCatalog) List(ctx context.Context, container string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entries := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.Container == container {
			e := e
			entries = append(entries, &e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ItemID < entries[j].ItemID
	})
	return entries, nil
}

func (m *MemoryCatalog) Close() error {
	return nil
}
