// Package blob stores and serves song audio bytes, keyed by object key.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrNotFound indicates no object exists under the requested key.
var ErrNotFound = errors.New("blob: object not found")

// Store is the audio byte store consumed by the sync engine.
type Store interface {
	// Put writes size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the object under key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Remove deletes the object under key. Removing a missing key is a
	// no-op.
	Remove(ctx context.Context, key string) error
}

// Memory is an in-process Store used by tests and dry setups.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores the bytes of r under key.
func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Get returns a reader over the bytes stored under key.
func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Remove deletes the object under key.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
