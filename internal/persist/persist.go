// Package persist defines the host persistence contract used to keep the
// write queue and read snapshots across restarts.
package persist

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrQuotaExceeded is returned by Set when the value would push the
	// store past its capacity. Nothing is written in that case.
	ErrQuotaExceeded = errors.New("persistence quota exceeded")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid persistence key")
)

// Store is a small durable key/value store. Implementations handle raw
// bytes; callers own the encoding.
type Store interface {
	// Get returns the value for key. found is false if the key was never set.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set replaces the value for key. The write is durable when Set returns.
	Set(ctx context.Context, key string, value []byte) error

	// Keys lists stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Backend returns the backend type identifier ("file", "sqlite", "s3", "memory").
	Backend() string

	// Close releases any resources held by the store.
	Close() error
}

// Memory is an in-process Store. It is not durable and exists for tests and
// for running the daemon without local disk.
type Memory struct {
	maxBytes int64 // 0 = unlimited

	mu     sync.RWMutex
	values map[string][]byte
	size   int64
}

// NewMemory creates an empty in-memory store bounded by maxBytes of values.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		maxBytes: maxBytes,
		values:   make(map[string][]byte),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := m.size - int64(len(m.values[key])) + int64(len(value))
	if m.maxBytes > 0 && newSize > m.maxBytes {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	m.size = newSize
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the number of value bytes held.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Close() error { return nil }
