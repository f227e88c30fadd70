package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rkka02/rikoclaw/internal/config"
	"github.com/rkka02/rikoclaw/internal/db"
	"github.com/rkka02/rikoclaw/internal/runner"
)

type fakeTarget struct {
	mu     sync.Mutex
	chunks []string
	files  []string
	typing int
}

func (f *fakeTarget) SendChunks(chunks []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeTarget) SendTyping() {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
}

func (f *fakeTarget) SendFiles(paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, paths...)
	return nil
}

func (f *fakeTarget) allChunks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chunks...)
}

func (f *fakeTarget) joined() string {
	return strings.Join(f.allChunks(), "\n")
}

type fakeRunner struct {
	engine       string
	maxTurnRetry bool
	resume       bool

	mu      sync.Mutex
	calls   []runner.Options
	results []runner.Result
	events  [][]runner.Event
}

func (f *fakeRunner) Engine() string              { return f.engine }
func (f *fakeRunner) SupportsMaxTurnsRetry() bool { return f.maxTurnRetry }
func (f *fakeRunner) SupportsResume() bool        { return f.resume }

func (f *fakeRunner) Run(_ context.Context, opts runner.Options) runner.Result {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	i := len(f.calls) - 1
	f.mu.Unlock()

	if opts.OnCancel != nil {
		opts.OnCancel(func() {})
	}
	if i < len(f.events) && opts.OnEvent != nil {
		for _, ev := range f.events[i] {
			opts.OnEvent(ev)
		}
	}
	if i < len(f.results) {
		return f.results[i]
	}
	return runner.Result{Success: true, Text: "ok"}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(i int) runner.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestManager(t *testing.T, primary *fakeRunner) (*Manager, *db.DB) {
	t.Helper()
	dataDir := t.TempDir()

	store, err := db.Open(filepath.Join(dataDir, "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		DataDir:           dataDir,
		MaxConcurrentRuns: 2,
		MaxQueueSize:      5,
		RunTimeoutSec:     30,
		RotationThreshold: 0.8,
	}
	runners := map[string]runner.Runner{runner.EnginePrimary: primary}
	return New(cfg, store, nil, runners, nil, nil, nil, nil), store
}

func waitDrained(t *testing.T, m *Manager) {
	t.Helper()
	if !m.Drain(5 * time.Second) {
		t.Fatal("queue did not drain")
	}
}

func TestEnqueueRejectsDuplicateAndFull(t *testing.T) {
	slow := &fakeRunner{engine: runner.EnginePrimary}
	m, _ := newTestManager(t, slow)
	m.cfg.MaxConcurrentRuns = 0 // nothing dispatches; everything stays pending

	for i := 0; i < 5; i++ {
		res := m.Enqueue(&Task{TaskKey: "k" + string(rune('0'+i)), Prompt: "p"})
		if !res.Accepted {
			t.Fatalf("enqueue %d rejected: %s", i, res.Reason)
		}
		if res.Position != i+1 {
			t.Errorf("position = %d, want %d", res.Position, i+1)
		}
	}

	if res := m.Enqueue(&Task{TaskKey: "k0", Prompt: "p"}); res.Accepted || res.Reason != ReasonDuplicate {
		t.Fatalf("duplicate accepted: %+v", res)
	}
	if res := m.Enqueue(&Task{TaskKey: "fresh", Prompt: "p"}); res.Accepted || res.Reason != ReasonQueueFull {
		t.Fatalf("over-capacity accepted: %+v", res)
	}
}

func TestExecuteDeliversReplyAndSavesSession(t *testing.T) {
	fr := &fakeRunner{
		engine:  runner.EnginePrimary,
		results: []runner.Result{{Success: true, Text: "the answer", SessionID: "sess-1"}},
	}
	m, store := newTestManager(t, fr)

	target := &fakeTarget{}
	res := m.Enqueue(&Task{
		TaskKey: "u1:c1", Prompt: "question", RespondTo: target,
		SessionUserID: "u1", UserID: "u1", ContextID: "c1",
	})
	if !res.Accepted {
		t.Fatalf("enqueue rejected: %s", res.Reason)
	}
	waitDrained(t, m)

	if got := target.joined(); got != "the answer" {
		t.Fatalf("reply = %q", got)
	}
	id, err := store.GetSession("u1", "c1", runner.EnginePrimary)
	if err != nil || id != "sess-1" {
		t.Fatalf("session = %q, %v", id, err)
	}
}

func TestRetryTransientThenSucceed(t *testing.T) {
	fr := &fakeRunner{
		engine: runner.EnginePrimary,
		results: []runner.Result{
			{Success: false, Error: "503 service unavailable"},
			{Success: true, Text: "recovered"},
		},
	}
	m, _ := newTestManager(t, fr)

	target := &fakeTarget{}
	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", RespondTo: target, SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	if fr.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fr.callCount())
	}
	if target.joined() != "recovered" {
		t.Fatalf("reply = %q", target.joined())
	}
}

func TestRetryTimeoutDropsModel(t *testing.T) {
	fr := &fakeRunner{
		engine: runner.EnginePrimary,
		results: []runner.Result{
			{IsTimeout: true, Error: "run timed out"},
			{Success: true, Text: "ok"},
		},
	}
	m, _ := newTestManager(t, fr)

	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", Model: "big-model", SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	if fr.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fr.callCount())
	}
	if fr.call(0).Model != "big-model" || fr.call(1).Model != "" {
		t.Fatalf("models = %q then %q", fr.call(0).Model, fr.call(1).Model)
	}
}

func TestRetryMaxTurnsWhenSupported(t *testing.T) {
	fr := &fakeRunner{
		engine:       runner.EnginePrimary,
		maxTurnRetry: true,
		results: []runner.Result{
			{Success: false, Error: "error_max_turns: max turns exceeded"},
			{Success: true, Text: "ok"},
		},
	}
	m, _ := newTestManager(t, fr)

	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	if fr.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fr.callCount())
	}
}

func TestRetryStaleSessionStartsFresh(t *testing.T) {
	fr := &fakeRunner{
		engine: runner.EnginePrimary,
		resume: true,
		results: []runner.Result{
			{Success: false, Error: "No conversation found with session ID abc"},
			{Success: true, Text: "fresh run", SessionID: "sess-2"},
		},
	}
	m, store := newTestManager(t, fr)
	if err := store.SaveSession("u", "c", runner.EnginePrimary, "stale"); err != nil {
		t.Fatal(err)
	}

	m.Enqueue(&Task{
		TaskKey: "k", Prompt: "p", SessionID: "stale",
		SessionUserID: "u", UserID: "u", ContextID: "c",
	})
	waitDrained(t, m)

	if fr.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fr.callCount())
	}
	if fr.call(0).SessionID != "stale" || fr.call(1).SessionID != "" {
		t.Fatalf("session ids = %q then %q", fr.call(0).SessionID, fr.call(1).SessionID)
	}
	id, err := store.GetSession("u", "c", runner.EnginePrimary)
	if err != nil || id != "sess-2" {
		t.Fatalf("session after retry = %q, %v", id, err)
	}
}

func TestRotationSavesSummaryAndNextTurnConsumesIt(t *testing.T) {
	fr := &fakeRunner{
		engine: runner.EnginePrimary,
		results: []runner.Result{
			{Success: true, Text: "big reply", SessionID: "s1",
				Usage: &runner.Usage{InputTokens: 90_000, ContextWindow: 100_000}},
			{Success: true, Text: "handoff summary"}, // summarization run
			{Success: true, Text: "second reply", SessionID: "s2"},
		},
	}
	m, store := newTestManager(t, fr)

	target := &fakeTarget{}
	m.Enqueue(&Task{TaskKey: "k", Prompt: "first", RespondTo: target, SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	if fr.callCount() != 2 {
		t.Fatalf("calls = %d, want run + summarization", fr.callCount())
	}
	sumOpts := fr.call(1)
	if sumOpts.MaxTurns != 1 || sumOpts.SessionID != "s1" {
		t.Fatalf("summarization opts = %+v", sumOpts)
	}
	if !strings.Contains(target.joined(), "rotated") {
		t.Fatalf("reply missing rotation notice: %q", target.joined())
	}
	if id, _ := store.GetSession("u", "c", runner.EnginePrimary); id != "" {
		t.Fatalf("rotated session still present: %q", id)
	}

	// The next fresh turn carries the handoff block.
	m.Enqueue(&Task{TaskKey: "k", Prompt: "second", SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	prompt := fr.call(2).Prompt
	if !strings.Contains(prompt, "<session_rotation_context>") ||
		!strings.Contains(prompt, "handoff summary") {
		t.Fatalf("second prompt missing rotation context: %q", prompt)
	}
	// Consumed: a third fresh turn gets no block.
	if sum, _ := store.ConsumeSummary("u", "c", runner.EnginePrimary); sum != nil {
		t.Fatalf("summary not consumed: %+v", sum)
	}
}

func TestHeartbeatRecoversLongestBlock(t *testing.T) {
	long := strings.Repeat("detailed report line. ", 10)
	fr := &fakeRunner{
		engine: runner.EnginePrimary,
		events: [][]runner.Event{{
			{Type: runner.EventAssistantDelta, Text: long},
			{Type: runner.EventToolUse, Tool: "bash"},
			{Type: runner.EventAssistantDelta, Text: "short tail"},
		}},
		results: []runner.Result{{Success: true, Text: "short tail"}},
	}
	m, _ := newTestManager(t, fr)

	target := &fakeTarget{}
	m.Enqueue(&Task{
		TaskKey: "heartbeat:ch", Prompt: "checklist", RespondTo: target,
		SessionUserID: "hb", UserID: "hb", ContextID: "ch", IsHeartbeat: true,
	})
	waitDrained(t, m)

	if got := target.joined(); !strings.Contains(got, "detailed report line.") {
		t.Fatalf("heartbeat reply lost the long block: %q", got)
	}
}

func TestCancelSweepsPending(t *testing.T) {
	fr := &fakeRunner{engine: runner.EnginePrimary}
	m, _ := newTestManager(t, fr)
	m.cfg.MaxConcurrentRuns = 0

	target := &fakeTarget{}
	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", RespondTo: target})
	if !m.Cancel("k") {
		t.Fatal("cancel found nothing")
	}
	if got := target.joined(); !strings.Contains(got, "cancelled") {
		t.Fatalf("pending sweep reply = %q", got)
	}
	if keys := m.PendingTaskKeys(10); len(keys) != 0 {
		t.Fatalf("pending after cancel = %v", keys)
	}
}

func TestStagedInputsListedInPrompt(t *testing.T) {
	fr := &fakeRunner{engine: runner.EnginePrimary}
	m, _ := newTestManager(t, fr)

	staging := m.stagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.Enqueue(&Task{TaskKey: "k", Prompt: "read the file", SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	prompt := fr.call(0).Prompt
	if !strings.Contains(prompt, "[Input Attachments]") || !strings.Contains(prompt, "notes.txt") {
		t.Fatalf("prompt missing attachment block: %q", prompt)
	}
	if entries, _ := os.ReadDir(staging); len(entries) != 0 {
		t.Fatal("staged file not moved out")
	}
	sys := fr.call(0).SystemPrompt
	if !strings.Contains(sys, "[Attachment Bridge Rules]") {
		t.Fatalf("system prompt missing bridge rules: %q", sys)
	}
}

func TestHarvestedOutputsAreSent(t *testing.T) {
	fr := &fakeRunner{
		engine:  runner.EnginePrimary,
		results: []runner.Result{{Success: true, Text: "made a file"}},
	}
	m, _ := newTestManager(t, fr)

	target := &fakeTarget{}
	m.runners[runner.EnginePrimary] = &outputWritingRunner{inner: fr}

	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", RespondTo: target, SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	target.mu.Lock()
	files := append([]string(nil), target.files...)
	target.mu.Unlock()
	if len(files) != 1 || filepath.Base(files[0]) != "result.csv" {
		t.Fatalf("files = %v", files)
	}
}

// outputWritingRunner drops a file into the turn's output dir, plus an empty
// file that must be skipped at harvest.
type outputWritingRunner struct {
	inner *fakeRunner
}

func (o *outputWritingRunner) Engine() string              { return o.inner.Engine() }
func (o *outputWritingRunner) SupportsMaxTurnsRetry() bool { return o.inner.SupportsMaxTurnsRetry() }
func (o *outputWritingRunner) SupportsResume() bool        { return o.inner.SupportsResume() }

func (o *outputWritingRunner) Run(ctx context.Context, opts runner.Options) runner.Result {
	out := filepath.Join(opts.WorkDir, "output")
	_ = os.WriteFile(filepath.Join(out, "result.csv"), []byte("a,b\n1,2\n"), 0o644)
	_ = os.WriteFile(filepath.Join(out, "empty.log"), nil, 0o644)
	return o.inner.Run(ctx, opts)
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 1990); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split = %v", got)
	}
	if got := SplitMessage("", 1990); got != nil {
		t.Fatalf("empty split = %v", got)
	}

	// A fence spanning the split point is closed and reopened.
	var b strings.Builder
	b.WriteString("intro\n```go\n")
	for i := 0; i < 40; i++ {
		b.WriteString(strings.Repeat("x", 90) + "\n")
	}
	b.WriteString("```")
	chunks := SplitMessage(b.String(), 1000)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 1000 {
			t.Fatalf("chunk %d over limit: %d", i, len(c))
		}
		if strings.Count(c, "```")%2 != 0 {
			t.Fatalf("chunk %d has unbalanced fences:\n%s", i, c)
		}
	}
	if !strings.HasSuffix(chunks[0], "```") {
		t.Fatalf("first chunk does not close its fence: %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "```go") {
		t.Fatalf("second chunk does not reopen the fence: %q", chunks[1])
	}

	// A single oversized line is hard-split.
	long := strings.Repeat("y", 4500)
	chunks = SplitMessage(long, 1990)
	if len(chunks) != 3 {
		t.Fatalf("hard split chunks = %d", len(chunks))
	}
}

func TestReplyRedactsSecrets(t *testing.T) {
	t.Setenv("RIKOCLAW_SECRET_TOKEN", "hunter22secret")
	fr := &fakeRunner{
		engine:  runner.EnginePrimary,
		results: []runner.Result{{Success: true, Text: "the token is hunter22secret, keep it safe"}},
	}
	m, _ := newTestManager(t, fr)

	target := &fakeTarget{}
	m.Enqueue(&Task{TaskKey: "k", Prompt: "p", RespondTo: target, SessionUserID: "u", UserID: "u", ContextID: "c"})
	waitDrained(t, m)

	got := target.joined()
	if strings.Contains(got, "hunter22secret") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED:RIKOCLAW_SECRET_TOKEN]") {
		t.Fatalf("placeholder missing: %q", got)
	}
}

func TestSnapshots(t *testing.T) {
	fr := &fakeRunner{engine: runner.EnginePrimary}
	m, _ := newTestManager(t, fr)
	m.cfg.MaxConcurrentRuns = 0

	m.Enqueue(&Task{TaskKey: "a", Prompt: "p", Model: "m1"})
	m.Enqueue(&Task{TaskKey: "b", Prompt: "p"})

	if keys := m.PendingTaskKeys(1); len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("pending keys = %v", keys)
	}
	snap, ok := m.TaskSnapshotFor("a")
	if !ok || snap.Running || snap.Model != "m1" {
		t.Fatalf("snapshot = %+v, %v", snap, ok)
	}
	if _, ok := m.TaskSnapshotFor("missing"); ok {
		t.Fatal("missing key produced a snapshot")
	}
}
