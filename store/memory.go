package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps values in process memory. It is durable across [Store] instances that
// share it, which is what tests use to simulate a reload.
type MemoryBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	fail    error
	applies int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

func (m *MemoryBackend) Load(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return nil, m.fail
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.data[key]; ok {
			out[key] = cloneBytes(v)
		}
	}
	return out, nil
}

func (m *MemoryBackend) Apply(_ context.Context, set map[string][]byte, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	for _, key := range del {
		delete(m.data, key)
	}
	for key, value := range set {
		m.data[key] = cloneBytes(value)
	}
	m.applies++
	return nil
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (m *MemoryBackend) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Put writes a raw value without going through a Store. Tests use it to plant corruption.
func (m *MemoryBackend) Put(key string, value []byte) {
	m.mu.Lock()
	m.data[key] = cloneBytes(value)
	m.mu.Unlock()
}

// Value returns the raw persisted value for key.
func (m *MemoryBackend) Value(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return cloneBytes(v), ok
}

// Applies returns the number of successful Apply calls.
func (m *MemoryBackend) Applies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies
}
