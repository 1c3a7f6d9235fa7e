package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// MemoryBackend keeps snapshots in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get implements core.SnapshotBackend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory backend is %w", core.ErrClosed)
	}
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// SetIfAbsent implements core.SnapshotBackend.
func (m *MemoryBackend) SetIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, fmt.Errorf("memory backend is %w", core.ErrClosed)
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return true, nil
}

// Delete implements core.SnapshotBackend.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory backend is %w", core.ErrClosed)
	}
	delete(m.data, key)
	return nil
}

// Keys implements core.SnapshotBackend.
func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory backend is %w", core.ErrClosed)
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close implements core.SnapshotBackend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MemoryBackendFactory creates memory backends.
type MemoryBackendFactory struct{}

func (f *MemoryBackendFactory) Type() string { return "memory" }

func (f *MemoryBackendFactory) Validate(_ *config.Config) error { return nil }

func (f *MemoryBackendFactory) Create(_ context.Context, _ config.SnapshotConfig, _ hclog.Logger) (core.SnapshotBackend, error) {
	return NewMemoryBackend(), nil
}

func init() {
	RegisterFactory(&MemoryBackendFactory{})
}
