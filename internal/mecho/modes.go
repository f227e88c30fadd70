package mecho

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrModeNotFound is returned for operations against a mode whose directory
// does not exist.
var ErrModeNotFound = errors.New("mode not found")

// modeHandle bundles the two databases of one mode.
type modeHandle struct {
	store    *Store
	archival *ArchivalStore
}

// Manager owns the on-disk mode layout. Each mode is a directory under root
// holding mecho.db and archival.db; directory existence is the source of
// truth for whether a mode exists. Open handles are cached per mode id.
type Manager struct {
	root string

	mu      sync.Mutex
	handles map[string]*modeHandle
}

// NewManager creates a manager rooted at dir, creating the root if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mecho root: %w", err)
	}
	return &Manager{root: root, handles: make(map[string]*modeHandle)}, nil
}

// modeDir returns the directory of a (sanitized) mode id.
func (m *Manager) modeDir(modeID string) string {
	return filepath.Join(m.root, modeID)
}

// ModeExists reports whether the mode's directory exists.
func (m *Manager) ModeExists(modeID string) bool {
	info, err := os.Stat(m.modeDir(modeID))
	return err == nil && info.IsDir()
}

// CreateMode creates the mode's directory and opens its stores. Creating an
// existing mode is a no-op.
func (m *Manager) CreateMode(rawModeID string) (string, error) {
	modeID, err := SanitizeModeID(rawModeID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.modeDir(modeID), 0o755); err != nil {
		return "", fmt.Errorf("create mode %s: %w", modeID, err)
	}
	if _, err := m.handle(modeID); err != nil {
		return "", err
	}
	return modeID, nil
}

// DeleteMode closes the mode's handles and removes its directory.
func (m *Manager) DeleteMode(rawModeID string) error {
	modeID, err := SanitizeModeID(rawModeID)
	if err != nil {
		return err
	}
	if !m.ModeExists(modeID) {
		return ErrModeNotFound
	}

	m.mu.Lock()
	if h, ok := m.handles[modeID]; ok {
		_ = h.store.Close()
		_ = h.archival.Close()
		delete(m.handles, modeID)
	}
	m.mu.Unlock()

	if err := os.RemoveAll(m.modeDir(modeID)); err != nil {
		return fmt.Errorf("delete mode %s: %w", modeID, err)
	}
	return nil
}

// ListModes returns the sorted ids of all existing modes.
func (m *Manager) ListModes() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list modes: %w", err)
	}
	var modes []string
	for _, e := range entries {
		if e.IsDir() {
			modes = append(modes, e.Name())
		}
	}
	sort.Strings(modes)
	return modes, nil
}

// handle returns the cached (or freshly opened) databases of a mode. The
// mode's directory must already exist.
func (m *Manager) handle(modeID string) (*modeHandle, error) {
	if !m.ModeExists(modeID) {
		return nil, ErrModeNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[modeID]; ok {
		return h, nil
	}

	dir := m.modeDir(modeID)
	store, err := OpenStore(filepath.Join(dir, "mecho.db"), modeID)
	if err != nil {
		return nil, err
	}
	archival, err := OpenArchivalStore(filepath.Join(dir, "archival.db"), modeID)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	h := &modeHandle{store: store, archival: archival}
	m.handles[modeID] = h
	return h, nil
}

// Store returns the primary store of an existing mode.
func (m *Manager) Store(rawModeID string) (*Store, error) {
	modeID, err := SanitizeModeID(rawModeID)
	if err != nil {
		return nil, err
	}
	h, err := m.handle(modeID)
	if err != nil {
		return nil, err
	}
	return h.store, nil
}

// Archival returns the archival store of an existing mode.
func (m *Manager) Archival(rawModeID string) (*ArchivalStore, error) {
	modeID, err := SanitizeModeID(rawModeID)
	if err != nil {
		return nil, err
	}
	h, err := m.handle(modeID)
	if err != nil {
		return nil, err
	}
	return h.archival, nil
}

// Close closes every cached handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, h := range m.handles {
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.archival.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.handles, id)
	}
	return firstErr
}
