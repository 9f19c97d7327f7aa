// Package file provides a directory-backed persistence store: one file per
// key, written atomically.
package file

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/persist"
)

const valueExt = ".val"

// Store keeps each key in its own file under dir.
type Store struct {
	dir      string
	maxBytes int64 // 0 = unlimited

	mu    sync.RWMutex
	sizes map[string]int64
	size  int64
}

// New opens (or creates) a store rooted at dir and accounts for any values
// already on disk.
func New(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create persist dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		maxBytes: maxBytes,
		sizes:    make(map[string]int64),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read persist dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, valueExt) {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(name, valueExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		s.sizes[key] = info.Size()
		s.size += info.Size()
	}
	return nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+valueExt)
}

// Get reads the value for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	start := time.Now()

	s.mu.RLock()
	_, known := s.sizes[key]
	s.mu.RUnlock()
	if !known {
		return nil, false, nil
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		metrics.RecordPersistOperation("file", "get", time.Since(start), false)
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	metrics.RecordPersistOperation("file", "get", time.Since(start), true)
	return data, true, nil
}

// Set writes value for key. Content is written atomically (temp file, fsync,
// then rename) so a crash leaves either the old or the new value.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return persist.ErrInvalidKey
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := s.size - s.sizes[key] + int64(len(value))
	if s.maxBytes > 0 && newSize > s.maxBytes {
		metrics.RecordPersistOperation("file", "set", time.Since(start), false)
		return persist.ErrQuotaExceeded
	}

	if err := s.writeAtomic(s.path(key), value); err != nil {
		metrics.RecordPersistOperation("file", "set", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}

	s.sizes[key] = int64(len(value))
	s.size = newSize
	metrics.RecordPersistOperation("file", "set", time.Since(start), true)
	return nil
}

func (s *Store) writeAtomic(path string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".agrosync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Keys lists stored keys with the given prefix.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.sizes))
	for k := range s.sizes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns store statistics.
func (s *Store) Stats() (size, maxBytes int64, count int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, s.maxBytes, len(s.sizes)
}

// Dir returns the store directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Backend returns "file".
func (s *Store) Backend() string { return "file" }

// Close is a no-op; every Set is already on disk.
func (s *Store) Close() error { return nil }
