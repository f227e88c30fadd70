package queue

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rkka02/rikoclaw/internal/restart"
)

// workspace is the per-turn scratch directory tree:
//
//	dataDir/turn-work/{ts}-{pid}-{seq}-{key}/
//	  input/   files handed to the agent
//	  output/  files the agent leaves for the reply
type workspace struct {
	root string
}

func (m *Manager) stagingDir() string {
	return filepath.Join(m.cfg.DataDir, "input-staging")
}

func (m *Manager) newWorkspace(taskKey string, seq int64) (*workspace, error) {
	name := fmt.Sprintf("%d-%d-%d-%s", time.Now().Unix(), os.Getpid(), seq, sanitizeKey(taskKey))
	root := filepath.Join(m.cfg.DataDir, "turn-work", name)
	for _, dir := range []string{filepath.Join(root, "input"), filepath.Join(root, "output")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create turn workspace: %w", err)
		}
	}
	return &workspace{root: root}, nil
}

func (w *workspace) inputDir() string  { return filepath.Join(w.root, "input") }
func (w *workspace) outputDir() string { return filepath.Join(w.root, "output") }

func (w *workspace) remove(log *slog.Logger) {
	if err := os.RemoveAll(w.root); err != nil {
		log.Warn("remove turn workspace", "dir", w.root, "error", err)
	}
}

// moveStagedInputs relocates files from the shared staging dir into this
// turn's input dir. Rename first; cross-device moves fall back to
// copy+unlink. Name collisions get a numeric suffix.
func (w *workspace) moveStagedInputs(stagingDir string, log *slog.Logger) []string {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil
	}

	var moved []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(stagingDir, e.Name())
		dst := uniquePath(w.inputDir(), e.Name())
		if err := moveFile(src, dst); err != nil {
			log.Warn("move staged input", "file", e.Name(), "error", err)
			continue
		}
		moved = append(moved, dst)
	}
	return moved
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// uniquePath returns dir/name, suffixing the stem with -1, -2, ... while the
// name is taken.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

// downloadAttachments fetches transport attachments into the input dir,
// skipping anything over the size boundary.
func (m *Manager) downloadAttachments(task *Task, ws *workspace, log *slog.Logger) []string {
	if m.fetcher == nil || len(task.Attachments) == 0 {
		return nil
	}
	var saved []string
	for _, att := range task.Attachments {
		if att.Size > maxAttachmentBytes {
			log.Warn("skipping oversized attachment", "name", att.Name, "size", att.Size)
			continue
		}
		dst := uniquePath(ws.inputDir(), filepath.Base(att.Name))
		if err := m.fetcher.Fetch(att, dst); err != nil {
			log.Warn("download attachment", "name", att.Name, "error", err)
			continue
		}
		saved = append(saved, dst)
	}
	return saved
}

// harvestOutputs collects files the agent left in output/, skipping the
// restart-directive file, empty files, and files over the size boundary.
func (w *workspace) harvestOutputs(log *slog.Logger) []string {
	entries, err := os.ReadDir(w.outputDir())
	if err != nil {
		return nil
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == restart.DirectiveFileName {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if info.Size() > maxAttachmentBytes {
			log.Warn("skipping oversized output file", "name", e.Name(), "size", info.Size())
			continue
		}
		files = append(files, filepath.Join(w.outputDir(), e.Name()))
	}
	sort.Strings(files)
	return files
}
