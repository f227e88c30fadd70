// Package overrides persists per-(user, context) settings as small JSON
// files under the data directory: engine, model, verbose live-updates, and
// the bound memory mode. Files are cached and invalidated through fsnotify
// so external edits take effect without a restart.
package overrides

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Override file names under dataDir.
const (
	engineFile    = "engine-overrides.json"
	modelFile     = "model-overrides.json"
	verboseFile   = "verbose-overrides.json"
	mechoModeFile = "mecho-mode-overrides.json"
)

// Store reads and writes the override files.
type Store struct {
	dataDir string
	log     *slog.Logger

	mu      sync.Mutex
	strings map[string]map[string]string // file -> key -> value
	bools   map[string]map[string]bool
	watcher *fsnotify.Watcher
}

// New creates the store and starts watching dataDir for external edits.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		log:     logger,
		strings: make(map[string]map[string]string),
		bools:   make(map[string]map[string]bool),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("overrides watcher: %w", err)
	}
	if err := watcher.Add(dataDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dataDir, err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watch() {
	known := map[string]bool{
		engineFile: true, modelFile: true, verboseFile: true, mechoModeFile: true,
	}
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !known[name] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.mu.Lock()
				delete(s.strings, name)
				delete(s.bools, name)
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("overrides watcher", "error", err)
		}
	}
}

// Key builds the per-conversation override key.
func Key(userID, contextID string) string {
	return userID + ":" + contextID
}

// --- Engine ---

// Engine returns the engine override for a conversation, empty if unset.
func (s *Store) Engine(userID, contextID string) string {
	return s.getString(engineFile, Key(userID, contextID))
}

// SetEngine writes (or, with empty value, clears) the engine override.
func (s *Store) SetEngine(userID, contextID, engine string) error {
	return s.setString(engineFile, Key(userID, contextID), engine)
}

// --- Model ---

// Model returns the model override for a conversation, empty if unset.
func (s *Store) Model(userID, contextID string) string {
	return s.getString(modelFile, Key(userID, contextID))
}

// SetModel writes (or clears) the model override.
func (s *Store) SetModel(userID, contextID, model string) error {
	return s.setString(modelFile, Key(userID, contextID), model)
}

// --- Verbose live updates ---

// Verbose reports the verbose flag and whether it was explicitly set.
func (s *Store) Verbose(userID, contextID string) (value, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadBools(verboseFile)
	if err != nil {
		s.log.Warn("load overrides", "file", verboseFile, "error", err)
		return false, false
	}
	v, ok := m[Key(userID, contextID)]
	return v, ok
}

// SetVerbose writes the verbose flag for a conversation.
func (s *Store) SetVerbose(userID, contextID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadBools(verboseFile)
	if err != nil {
		return err
	}
	m[Key(userID, contextID)] = on
	return s.persistBools(verboseFile, m)
}

// --- Memory mode ---

// MechoMode returns the memory mode bound to a conversation, empty if unset.
func (s *Store) MechoMode(userID, contextID string) string {
	return s.getString(mechoModeFile, Key(userID, contextID))
}

// SetMechoMode writes (or clears) the memory mode binding.
func (s *Store) SetMechoMode(userID, contextID, modeID string) error {
	return s.setString(mechoModeFile, Key(userID, contextID), modeID)
}

// --- File plumbing ---

func (s *Store) getString(file, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadStrings(file)
	if err != nil {
		s.log.Warn("load overrides", "file", file, "error", err)
		return ""
	}
	return m[key]
}

func (s *Store) setString(file, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadStrings(file)
	if err != nil {
		return err
	}
	if value == "" {
		delete(m, key)
	} else {
		m[key] = value
	}
	return s.persistStrings(file, m)
}

func (s *Store) loadStrings(file string) (map[string]string, error) {
	if m, ok := s.strings[file]; ok {
		return m, nil
	}
	m := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(s.dataDir, file))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	} else if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	s.strings[file] = m
	return m, nil
}

func (s *Store) loadBools(file string) (map[string]bool, error) {
	if m, ok := s.bools[file]; ok {
		return m, nil
	}
	m := make(map[string]bool)
	data, err := os.ReadFile(filepath.Join(s.dataDir, file))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	} else if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	s.bools[file] = m
	return m, nil
}

func (s *Store) persistStrings(file string, m map[string]string) error {
	s.strings[file] = m
	return writeAtomic(filepath.Join(s.dataDir, file), m)
}

func (s *Store) persistBools(file string, m map[string]bool) error {
	s.bools[file] = m
	return writeAtomic(filepath.Join(s.dataDir, file), m)
}

// writeAtomic marshals v (map keys sort deterministically) and renames a
// temp file into place.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
