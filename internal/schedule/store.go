// Package schedule runs cron-style definitions against a clock-aligned
// minute tick and enqueues matching prompts into the task queue. Definitions
// live in JSONC files: one root file plus one per memory mode, merged with
// the mode id as key prefix.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Entry is one schedule definition.
type Entry struct {
	ID        string `json:"id"`
	Cron      string `json:"cron"`
	ChannelID string `json:"channelId"`
	Prompt    string `json:"prompt"`
	ModeID    string `json:"modeId,omitempty"`
	ModeName  string `json:"modeName,omitempty"`
	Model     string `json:"model,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as on.
func (e *Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Store loads and merges schedule files, reloading when they change on disk.
type Store struct {
	rootPath string
	modesDir string // per-mode schedule files live at modesDir/<mode>/schedules.json
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry // key -> entry; root entries keyed by id, per-mode by mode:id
	loaded  bool
	watcher *fsnotify.Watcher
}

// NewStore creates a store. modesDir may be empty when no per-mode schedules
// exist.
func NewStore(rootPath, modesDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{rootPath: rootPath, modesDir: modesDir, log: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("schedule watcher: %w", err)
	}
	s.watcher = watcher
	if rootPath != "" {
		// Watch the directory, not the file: editors and atomic writes
		// replace the inode.
		if err := watcher.Add(filepath.Dir(rootPath)); err != nil {
			s.log.Warn("watch schedule dir", "dir", filepath.Dir(rootPath), "error", err)
		}
	}
	if modesDir != "" {
		if err := watcher.Add(modesDir); err == nil {
			if dirs, err := os.ReadDir(modesDir); err == nil {
				for _, d := range dirs {
					if d.IsDir() {
						_ = watcher.Add(filepath.Join(modesDir, d.Name()))
					}
				}
			}
		}
	}
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
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) == ".json" || filepath.Ext(ev.Name) == ".jsonc" {
				s.mu.Lock()
				s.loaded = false
				s.mu.Unlock()
			}
			// A new mode directory may carry its own schedules file.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(ev.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("schedule watcher", "error", err)
		}
	}
}

// Entries returns the merged schedule set keyed as fired-set keys.
func (s *Store) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.entries = s.loadAll()
		s.loaded = true
	}
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func (s *Store) loadAll() map[string]Entry {
	merged := make(map[string]Entry)

	if s.rootPath != "" {
		for _, e := range s.loadFile(s.rootPath) {
			merged[e.ID] = e
		}
	}

	if s.modesDir != "" {
		dirs, err := os.ReadDir(s.modesDir)
		if err == nil {
			for _, d := range dirs {
				if !d.IsDir() {
					continue
				}
				modeID := d.Name()
				path := filepath.Join(s.modesDir, modeID, "schedules.json")
				for _, e := range s.loadFile(path) {
					if e.ModeID == "" {
						e.ModeID = modeID
					}
					merged[modeID+":"+e.ID] = e
				}
			}
		}
	}
	return merged
}

// loadFile parses one JSONC schedule file; comments and trailing commas are
// tolerated.
func (s *Store) loadFile(path string) []Entry {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read schedules", "path", path, "error", err)
		}
		return nil
	}

	var entries []Entry
	if err := json5.Unmarshal(data, &entries); err != nil {
		s.log.Warn("parse schedules", "path", path, "error", err)
		return nil
	}

	var valid []Entry
	for _, e := range entries {
		if e.ID == "" || e.Cron == "" || e.ChannelID == "" || e.Prompt == "" {
			s.log.Warn("skipping incomplete schedule entry", "path", path, "id", e.ID)
			continue
		}
		valid = append(valid, e)
	}
	return valid
}

// Save writes entries to the root file with stable ordering.
func (s *Store) Save(entries []Entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	tmp := s.rootPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, s.rootPath); err != nil {
		return fmt.Errorf("rename schedules: %w", err)
	}
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return nil
}
