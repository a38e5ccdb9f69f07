package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Memory is a thread-safe in-process Storage.
type Memory struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
	order      []string
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]*memoryPartition)}
}

// Open returns the partition called name, creating it if needed.
func (m *Memory) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{name: name, entries: make(map[string]*Entry)}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

// Has reports whether a partition called name exists.
func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[name]
	return ok, nil
}

// Keys lists partition names in creation order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

// Delete removes the partition called name. Handles opened before the delete
// keep working but are detached from the storage.
func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Replace swaps in a new partition holding entries. Handles opened before the
// swap keep the old contents.
func (m *Memory) Replace(ctx context.Context, name string, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return ErrInvalidName
	}
	p := &memoryPartition{name: name, entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		cp := e.Clone()
		p.entries[cp.Key()] = cp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[name]; !ok {
		m.order = append(m.order, name)
	}
	m.partitions[name] = p
	return nil
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, method, url string) (*Entry, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[Key(method, url)]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (p *memoryPartition) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := e.Clone()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[cp.Key()] = cp
	return nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *memoryPartition) Len(_ context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries), nil
}
