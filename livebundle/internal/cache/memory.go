package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Backend.
type Memory struct {
	mu    sync.Mutex
	items map[Key]memItem
	now   func() time.Time
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{items: make(map[Key]memItem), now: time.Now}
}

func (m *Memory) Load(_ context.Context, k Key) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[k]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(it.expires) {
		delete(m.items, k)
		return nil, false, nil
	}
	return it.value, true, nil
}

func (m *Memory) Store(_ context.Context, k Key, v []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.items[k] = memItem{value: v, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.items {
		if k.InstanceID == id {
			delete(m.items, k)
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
