// Package queue is the task queue and runner core: a per-conversation
// deduped FIFO with bounded concurrency, retry policy, live status updates,
// turn workspaces, rotation, output harvesting, and restart-directive
// handling. The chat transport stays behind the ReplyTarget interface.
package queue

import (
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rkka02/rikoclaw/internal/config"
	"github.com/rkka02/rikoclaw/internal/db"
	"github.com/rkka02/rikoclaw/internal/mecho/client"
	"github.com/rkka02/rikoclaw/internal/overrides"
	"github.com/rkka02/rikoclaw/internal/restart"
	"github.com/rkka02/rikoclaw/internal/runner"
)

// Enqueue rejection reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonQueueFull = "queue_full"
)

// maxAttachmentBytes bounds both downloaded inputs and harvested outputs.
const maxAttachmentBytes = 25 << 20 // 25 MiB

// typingInterval is how often the reply channel's typing indicator fires.
const typingInterval = 7 * time.Second

// ReplyTarget is the chat surface a task answers to. Implementations live
// with the transport; the queue only drives this operation set.
type ReplyTarget interface {
	SendChunks(chunks []string) error
	SendTyping()
	SendFiles(paths []string) error
}

// LiveCapable is optionally implemented by reply targets that can maintain
// an edit-in-place status message.
type LiveCapable interface {
	CreateLiveMessage(initial string) (LiveMessage, error)
}

// LiveMessage is one editable status message.
type LiveMessage interface {
	Edit(content string) error
}

// Attachment is one transport file attached to a prompt.
type Attachment struct {
	Name string
	URL  string
	Size int64
}

// AttachmentFetcher downloads transport attachments. Implementations live
// with the transport.
type AttachmentFetcher interface {
	Fetch(att Attachment, destPath string) error
}

// Task is one queued unit of work.
type Task struct {
	Prompt        string
	SystemPrompt  string
	SessionID     string
	SessionUserID string
	MechoModeID   string
	Model         string
	TaskKey       string
	RespondTo     ReplyTarget
	CreatedAt     time.Time
	Engine        string
	Attachments   []Attachment
	ModeName      string
	OnComplete    func(res runner.Result)

	// Conversation identity for session persistence and overrides.
	UserID    string
	ContextID string
	ChannelID string

	// RotateFromSessionID marks a turn re-enqueued right after rotation.
	RotateFromSessionID string

	// Heartbeat tasks get block-level text recovery and skip rotation.
	IsHeartbeat bool
}

// runningState tracks one in-flight task.
type runningState struct {
	task      *Task
	startedAt time.Time

	mu     sync.Mutex
	cancel func()
	live   *liveState
}

func (r *runningState) setCancel(f func()) {
	r.mu.Lock()
	r.cancel = f
	r.mu.Unlock()
}

func (r *runningState) cancelHandle() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel
}

// Manager is the queue manager.
type Manager struct {
	cfg      config.Config
	log      *slog.Logger
	store    *db.DB
	memory   *client.Client
	runners  map[string]runner.Runner
	restarts *restart.Manager
	over     *overrides.Store
	fetcher  AttachmentFetcher
	redactor *redactionFilter

	mu              sync.Mutex
	pending         []*Task
	running         map[string]*runningState
	cancelRequested map[string]bool
	turnSeq         int64
	restartShutdown bool
}

// New wires the manager. fetcher and over may be nil.
func New(cfg config.Config, store *db.DB, memory *client.Client, runners map[string]runner.Runner,
	restarts *restart.Manager, over *overrides.Store, fetcher AttachmentFetcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:             cfg,
		log:             logger.With("component", "queue"),
		store:           store,
		memory:          memory,
		runners:         runners,
		restarts:        restarts,
		over:            over,
		fetcher:         fetcher,
		redactor:        newRedactionFilter(),
		running:         make(map[string]*runningState),
		cancelRequested: make(map[string]bool),
	}
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	Accepted bool
	Reason   string
	Position int
}

// Enqueue adds a task unless its key is already active or the queue is at
// capacity. Position counts running tasks plus earlier pending entries.
func (m *Manager) Enqueue(task *Task) EnqueueResult {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Engine == "" {
		task.Engine = runner.EnginePrimary
	}

	m.mu.Lock()
	if _, ok := m.running[task.TaskKey]; ok {
		m.mu.Unlock()
		return EnqueueResult{Reason: ReasonDuplicate}
	}
	for _, p := range m.pending {
		if p.TaskKey == task.TaskKey {
			m.mu.Unlock()
			return EnqueueResult{Reason: ReasonDuplicate}
		}
	}
	if len(m.pending)+len(m.running) >= m.cfg.MaxQueueSize {
		m.mu.Unlock()
		return EnqueueResult{Reason: ReasonQueueFull}
	}

	m.pending = append(m.pending, task)
	position := len(m.running) + len(m.pending)
	m.mu.Unlock()

	m.dispatch()
	return EnqueueResult{Accepted: true, Position: position}
}

// dispatch starts pending tasks while capacity allows.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || len(m.running) >= m.cfg.MaxConcurrentRuns {
			m.mu.Unlock()
			return
		}
		task := m.pending[0]
		m.pending = m.pending[1:]
		m.turnSeq++
		seq := m.turnSeq
		rs := &runningState{task: task, startedAt: time.Now()}
		m.running[task.TaskKey] = rs
		m.mu.Unlock()

		go func() {
			defer m.finish(task.TaskKey)
			m.execute(task, rs, seq)
		}()
	}
}

// finish clears a completed task and re-runs dispatch; once a restart
// shutdown is requested and the queue drains, the process signals itself.
func (m *Manager) finish(taskKey string) {
	m.mu.Lock()
	delete(m.running, taskKey)
	delete(m.cancelRequested, taskKey)
	drained := m.restartShutdown && len(m.running) == 0 && len(m.pending) == 0
	m.mu.Unlock()

	if drained {
		m.log.Info("queue drained after restart directive, terminating")
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		return
	}
	m.dispatch()
}

// Cancel stops a running task and sweeps matching pending entries. Pending
// entries each receive a cancelled reply.
func (m *Manager) Cancel(taskKey string) bool {
	m.mu.Lock()
	rs, isRunning := m.running[taskKey]
	if isRunning {
		m.cancelRequested[taskKey] = true
	}
	var swept []*Task
	var kept []*Task
	for _, p := range m.pending {
		if p.TaskKey == taskKey {
			swept = append(swept, p)
		} else {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	if isRunning {
		// The handle may not be published yet if cancel raced spawn.
		go func() {
			for i := 0; i < 20; i++ {
				if cancel := rs.cancelHandle(); cancel != nil {
					cancel()
					return
				}
				time.Sleep(50 * time.Millisecond)
			}
			m.log.Warn("cancel requested but no handle appeared", "task_key", taskKey)
		}()
	}

	for _, p := range swept {
		if p.RespondTo != nil {
			_ = p.RespondTo.SendChunks([]string{"Task cancelled."})
		}
	}
	return isRunning || len(swept) > 0
}

func (m *Manager) cancelWasRequested(taskKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelRequested[taskKey]
}

// RequestRestartShutdown flips the drain-then-exit flag.
func (m *Manager) RequestRestartShutdown() {
	m.mu.Lock()
	m.restartShutdown = true
	m.mu.Unlock()
}

// Busy reports whether any task is running or pending.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) > 0 || len(m.pending) > 0
}

// Drain blocks until the queue is empty or ctx-free timeout elapses.
func (m *Manager) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.Busy() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !m.Busy()
}

// --- Snapshots ---

// TaskSnapshot is a status view of one task.
type TaskSnapshot struct {
	TaskKey   string
	Engine    string
	Model     string
	StartedAt time.Time
	ElapsedMs int64
	Running   bool
}

// CurrentTaskSnapshots lists all running tasks.
func (m *Manager) CurrentTaskSnapshots() []TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskSnapshot
	for key, rs := range m.running {
		out = append(out, TaskSnapshot{
			TaskKey:   key,
			Engine:    rs.task.Engine,
			Model:     rs.task.Model,
			StartedAt: rs.startedAt,
			ElapsedMs: time.Since(rs.startedAt).Milliseconds(),
			Running:   true,
		})
	}
	return out
}

// TaskSnapshotFor returns the snapshot of one key, if active.
func (m *Manager) TaskSnapshotFor(taskKey string) (TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.running[taskKey]; ok {
		return TaskSnapshot{
			TaskKey:   taskKey,
			Engine:    rs.task.Engine,
			Model:     rs.task.Model,
			StartedAt: rs.startedAt,
			ElapsedMs: time.Since(rs.startedAt).Milliseconds(),
			Running:   true,
		}, true
	}
	for _, p := range m.pending {
		if p.TaskKey == taskKey {
			return TaskSnapshot{TaskKey: taskKey, Engine: p.Engine, Model: p.Model}, true
		}
	}
	return TaskSnapshot{}, false
}

// PendingTaskKeys lists up to n pending keys in order.
func (m *Manager) PendingTaskKeys(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, p := range m.pending {
		if n > 0 && len(keys) >= n {
			break
		}
		keys = append(keys, p.TaskKey)
	}
	return keys
}

// LiveSnapshot returns the live-update text of a running task.
func (m *Manager) LiveSnapshot(taskKey string) (string, bool) {
	m.mu.Lock()
	rs, ok := m.running[taskKey]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	rs.mu.Lock()
	live := rs.live
	rs.mu.Unlock()
	if live == nil {
		return "", false
	}
	return live.render(), true
}

func (m *Manager) setLive(rs *runningState, live *liveState) {
	rs.mu.Lock()
	rs.live = live
	rs.mu.Unlock()
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func engineLabel(engine string) string {
	if engine == "" {
		return runner.EnginePrimary
	}
	return engine
}
