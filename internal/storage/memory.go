package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Writes can be made to fail for tests.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	writeErr error
	setCalls int
	onSet    func(key string)
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value, or returns the injected write error.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.setCalls++
	err := m.writeErr
	if err == nil {
		v := make([]byte, len(value))
		copy(v, value)
		m.data[key] = v
	}
	hook := m.onSet
	m.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return err
}

// FailWrites makes every following Set return err. Pass nil to heal.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// OnSet registers a callback invoked after every Set attempt.
func (m *Memory) OnSet(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSet = fn
}

// SetCalls returns how many Set calls were made.
func (m *Memory) SetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setCalls
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
