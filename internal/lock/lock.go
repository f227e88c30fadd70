// Package lock implements the single-instance lock file that prevents two
// orchestrator processes from sharing one data directory.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// info is the lock file payload.
type info struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
	Cwd       string `json:"cwd"`
}

// Lock is a held single-instance lock.
type Lock struct {
	path string
}

// Acquire takes the lock at path. If a lock exists and its recorded pid is
// still alive, Acquire fails; a stale file is removed and replaced.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		var prev info
		if err := json.Unmarshal(data, &prev); err == nil && prev.PID > 0 && pidAlive(prev.PID) {
			return nil, fmt.Errorf("another instance is running (pid %d, started %s)", prev.PID, prev.StartedAt)
		}
		// Stale or unreadable lock.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	cwd, _ := os.Getwd()
	data, err := json.MarshalIndent(info{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Cwd:       cwd,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
