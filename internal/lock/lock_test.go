package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".runtime", "bot.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var payload struct {
		PID       int    `json:"pid"`
		StartedAt string `json:"startedAt"`
		Cwd       string `json:"cwd"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode lock: %v", err)
	}
	if payload.PID != os.Getpid() || payload.StartedAt == "" {
		t.Fatalf("payload = %+v", payload)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file survived release")
	}
}

func TestAcquireRefusesLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	// Our own pid is definitely alive.
	if _, err := Acquire(path); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(path); err == nil {
		t.Fatal("second Acquire should refuse while pid is alive")
	}
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	// A pid that cannot exist.
	stale := `{"pid": 999999999, "startedAt": "2026-01-01T00:00:00Z", "cwd": "/"}`
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()
}
