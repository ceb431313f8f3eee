// Package prefs provides per-identity preference storage.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Preference keys consumed by the resolver.
const (
	KeyForward  = "ForwardTo"
	KeyVacation = "Vacation"
)

// Store reads preferences keyed by identity id.  Keys are matched
// case-insensitively.
type Store interface {
	Get(uid int, key string) (value string, ok bool, err error)
}

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu    sync.RWMutex
	prefs map[int]map[string]string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{prefs: make(map[int]map[string]string)}
}

// Set stores a preference value.
func (m *MemStore) Set(uid int, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs[uid] == nil {
		m.prefs[uid] = make(map[string]string)
	}
	m.prefs[uid][strings.ToLower(key)] = value
}

// Get implements Store.
func (m *MemStore) Get(uid int, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.prefs[uid][strings.ToLower(key)]
	return v, ok, nil
}

// FileStore keeps one "<key>=<value>" file per identity under a root
// directory, named <uid>.prefs.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore returns a FileStore rooted at path, creating it when absent.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(path, 0o770); err != nil {
		return nil, fmt.Errorf("prefs store setup: %w", err)
	}
	return &FileStore{root: path}, nil
}

// Get implements Store.
func (f *FileStore) Get(uid int, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(f.path(uid))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true, nil
		}
	}
	return "", false, nil
}

// Set writes a preference value, replacing any existing value for the key.
func (f *FileStore) Set(uid int, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := []string{}
	if data, err := os.ReadFile(f.path(uid)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if k, _, ok := strings.Cut(line, "="); ok && !strings.EqualFold(strings.TrimSpace(k), key) {
				lines = append(lines, line)
			}
		}
	}
	lines = append(lines, key+"="+value)
	tmp := f.path(uid) + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o660); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(uid))
}

func (f *FileStore) path(uid int) string {
	return filepath.Join(f.root, strconv.Itoa(uid)+".prefs")
}
