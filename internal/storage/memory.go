package storage

import (
	"bytes"
	"context"
	"sync"
)

// MemoryArea is an in-process Area. It backs the ephemeral tier in production
// and both tiers in tests.
type MemoryArea struct {
	name string

	mu       sync.Mutex
	data     map[string][]byte
	watchers map[int]func(Change)
	nextID   int
}

// NewMemoryArea returns an empty area.
func NewMemoryArea(name string) *MemoryArea {
	return &MemoryArea{
		name:     name,
		data:     make(map[string][]byte),
		watchers: make(map[int]func(Change)),
	}
}

func (m *MemoryArea) Name() string { return m.name }

func (m *MemoryArea) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

func (m *MemoryArea) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	old, existed := m.data[key]
	m.data[key] = clone(value)
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	if existed && bytes.Equal(old, value) {
		return nil
	}
	m.notify(watchers, Change{Tier: m.name, Key: key, Old: old, New: clone(value)})
	return nil
}

func (m *MemoryArea) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var changes []Change
	m.mu.Lock()
	for _, key := range keys {
		if old, ok := m.data[key]; ok {
			delete(m.data, key)
			changes = append(changes, Change{Tier: m.name, Key: key, Old: old})
		}
	}
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	for _, c := range changes {
		m.notify(watchers, c)
	}
	return nil
}

func (m *MemoryArea) Watch(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Clear drops every key, notifying watchers. It mirrors the host clearing the
// ephemeral tier when the browsing session ends.
func (m *MemoryArea) Clear(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	return m.Remove(ctx, keys...)
}

func (m *MemoryArea) snapshotWatchers() []func(Change) {
	out := make([]func(Change), 0, len(m.watchers))
	for _, fn := range m.watchers {
		out = append(out, fn)
	}
	return out
}

func (m *MemoryArea) notify(watchers []func(Change), c Change) {
	for _, fn := range watchers {
		fn(c)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
