// Package localstore is the persistent local storage collaborator: a small
// key-value surface that may be slow to hydrate and may be unavailable
// entirely (the browser-private-mode analog). Every implementation degrades
// to a no-op on failure; callers never see a storage error, only a miss.
package localstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KV is the storage contract. Get reports a miss both when the key is absent
// and when the underlying store is broken.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Memory is an in-memory KV for tests and for tabs that opt out of
// persistence.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}

// FileKV persists one file per key under dir. Writes go through a temp file
// and rename so a crashed tab never leaves a torn value behind.
type FileKV struct {
	dir string
	mu  sync.Mutex
}

func NewFileKV(dir string) *FileKV {
	return &FileKV{dir: strings.TrimSpace(dir)}
}

func (f *FileKV) Get(key string) (string, bool) {
	path, ok := f.keyPath(key)
	if !ok {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (f *FileKV) Set(key, value string) {
	path, ok := f.keyPath(key)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(f.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
	}
}

func (f *FileKV) Remove(key string) {
	path, ok := f.keyPath(key)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
}

func (f *FileKV) keyPath(key string) (string, bool) {
	key = sanitizeKey(key)
	if key == "" || f.dir == "" {
		return "", false
	}
	return filepath.Join(f.dir, key), true
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
