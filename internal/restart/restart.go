// Package restart implements the self-restart directive flow: discovering a
// restart request produced during a turn, persisting a pending-resume record,
// scheduling the external respawn, and resuming the interrupted task after
// startup.
package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DirectiveFileName is the well-known restart file an agent writes into the
// turn's output directory.
const DirectiveFileName = ".rikoclaw-restart.json"

// pendingFileName is the durable pending-resume record under dataDir.
const pendingFileName = "restart-pending.json"

// resumeNotice is the fixed line prefixed to every resume prompt.
const resumeNotice = "The orchestrator restarted itself to apply changes. Continue the interrupted task."

// Directive is a parsed restart request.
type Directive struct {
	Restart         bool    `json:"restart"`
	RestartRequired bool    `json:"restartRequired"`
	SelfRestart     bool    `json:"selfRestart"`
	ApplyAndRestart bool    `json:"applyAndRestart"`
	Reason          string  `json:"reason"`
	ResumePrompt    string  `json:"resumePrompt"`
	DelaySec        float64 `json:"delaySec"`
}

// Signaled reports whether the directive actually requests a restart.
func (d *Directive) Signaled() bool {
	if d == nil {
		return false
	}
	return d.Restart || d.RestartRequired || d.SelfRestart || d.ApplyAndRestart ||
		strings.TrimSpace(d.Reason) != "" ||
		strings.TrimSpace(d.ResumePrompt) != "" ||
		d.DelaySec > 0
}

// PendingResume is the durable record written before the process exits.
type PendingResume struct {
	Version       int    `json:"version"`
	ID            string `json:"id"`
	RequestedAt   string `json:"requestedAt"`
	ChannelID     string `json:"channelId"`
	UserID        string `json:"userId"`
	ContextID     string `json:"contextId"`
	SessionUserID string `json:"sessionUserId"`
	Engine        string `json:"engine"`
	SessionID     string `json:"sessionId,omitempty"`
	Model         string `json:"model,omitempty"`
	ModeName      string `json:"modeName,omitempty"`
	MechoModeID   string `json:"mechoModeId,omitempty"`
	Reason        string `json:"reason"`
	ResumePrompt  string `json:"resumePrompt"`
}

// TurnContext is what the queue knows about the turn that raised the
// directive.
type TurnContext struct {
	ChannelID     string
	UserID        string
	ContextID     string
	SessionUserID string
	Engine        string
	SessionID     string
	Model         string
	ModeName      string
	MechoModeID   string
}

// Manager owns restart state under one data directory.
type Manager struct {
	dataDir string
	command string
	log     *slog.Logger
}

// NewManager creates a manager. command is the shell command re-launching
// the orchestrator.
func NewManager(dataDir, command string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dataDir: dataDir, command: command, log: logger}
}

// fencedJSONRe grabs the first fenced JSON block inside reply text.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// FindDirective looks for a restart directive, stopping at the first hit:
// the well-known file in outputDir, any other JSON object file there, then
// the reply text itself (whole-text JSON or a fenced block).
func FindDirective(outputDir, replyText string) *Directive {
	if outputDir != "" {
		if d := directiveFromFile(filepath.Join(outputDir, DirectiveFileName)); d.Signaled() {
			return d
		}
		entries, err := os.ReadDir(outputDir)
		if err == nil {
			var names []string
			for _, e := range entries {
				if e.IsDir() || e.Name() == DirectiveFileName || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				names = append(names, e.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				if d := directiveFromFile(filepath.Join(outputDir, name)); d.Signaled() {
					return d
				}
			}
		}
	}

	text := strings.TrimSpace(replyText)
	if text == "" {
		return nil
	}
	if d := parseDirective([]byte(text)); d.Signaled() {
		return d
	}
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if d := parseDirective([]byte(m[1])); d.Signaled() {
			return d
		}
	}
	return nil
}

func directiveFromFile(path string) *Directive {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return parseDirective(data)
}

func parseDirective(data []byte) *Directive {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	return &d
}

// BuildPendingResume combines a directive and turn context into the durable
// record. The resume prompt is prefixed with the fixed notice and reason.
func BuildPendingResume(d *Directive, tc TurnContext) *PendingResume {
	prompt := resumeNotice
	if reason := strings.TrimSpace(d.Reason); reason != "" {
		prompt += "\nReason: " + reason
	}
	if rp := strings.TrimSpace(d.ResumePrompt); rp != "" {
		prompt += "\n\n" + rp
	}

	return &PendingResume{
		Version:       1,
		ID:            uuid.NewString(),
		RequestedAt:   time.Now().UTC().Format(time.RFC3339),
		ChannelID:     tc.ChannelID,
		UserID:        tc.UserID,
		ContextID:     tc.ContextID,
		SessionUserID: tc.SessionUserID,
		Engine:        tc.Engine,
		SessionID:     tc.SessionID,
		Model:         tc.Model,
		ModeName:      tc.ModeName,
		MechoModeID:   tc.MechoModeID,
		Reason:        strings.TrimSpace(d.Reason),
		ResumePrompt:  prompt,
	}
}

// SavePending writes the record atomically (temp file then rename).
func (m *Manager) SavePending(p *PendingResume) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending resume: %w", err)
	}
	path := filepath.Join(m.dataDir, pendingFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pending resume: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename pending resume: %w", err)
	}
	return nil
}

// LoadPending reads the pending-resume record. Records older than
// maxPendingMinutes are discarded (file removed, nil returned).
func (m *Manager) LoadPending(maxPendingMinutes int) (*PendingResume, error) {
	path := filepath.Join(m.dataDir, pendingFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending resume: %w", err)
	}

	var p PendingResume
	if err := json.Unmarshal(data, &p); err != nil {
		m.log.Warn("discarding unreadable pending resume", "error", err)
		_ = os.Remove(path)
		return nil, nil
	}

	if maxPendingMinutes > 0 {
		requested, err := time.Parse(time.RFC3339, p.RequestedAt)
		if err != nil || time.Since(requested) > time.Duration(maxPendingMinutes)*time.Minute {
			m.log.Info("discarding expired pending resume", "id", p.ID, "requested_at", p.RequestedAt)
			_ = os.Remove(path)
			return nil, nil
		}
	}
	return &p, nil
}

// ClearPending removes the pending-resume file.
func (m *Manager) ClearPending() error {
	err := os.Remove(filepath.Join(m.dataDir, pendingFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear pending resume: %w", err)
	}
	return nil
}

// ScheduleRestart launches a detached shell that waits delaySec (clamped to
// 1..600) and runs the configured restart command. The shell survives this
// process's exit.
func (m *Manager) ScheduleRestart(delaySec float64) error {
	if m.command == "" {
		return fmt.Errorf("no restart command configured")
	}
	delay := int(delaySec)
	if delay < 1 {
		delay = 1
	}
	if delay > 600 {
		delay = 600
	}

	script := fmt.Sprintf("sleep %d; exec %s", delay, m.command)
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("schedule restart: %w", err)
	}
	m.log.Info("scheduled external restart", "delay_sec", delay)
	return cmd.Process.Release()
}
