package runner

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeProcess replays scripted stdout lines.
type fakeProcess struct {
	stdout    io.Reader
	waitErr   error
	cancelled chan struct{}
}

func (f *fakeProcess) Stdout() io.Reader { return f.stdout }
func (f *fakeProcess) Cancel() {
	select {
	case <-f.cancelled:
	default:
		close(f.cancelled)
	}
}
func (f *fakeProcess) Wait() error { return f.waitErr }

type fakeProcessRunner struct {
	output  string
	waitErr error

	gotBin  string
	gotArgs []string
	started *fakeProcess
}

func (f *fakeProcessRunner) Start(_ context.Context, bin string, args []string, _ string, _ map[string]string) (Process, error) {
	f.gotBin = bin
	f.gotArgs = args
	f.started = &fakeProcess{
		stdout:    strings.NewReader(f.output),
		waitErr:   f.waitErr,
		cancelled: make(chan struct{}),
	}
	return f.started, nil
}

func TestPrimaryRunParsesTerminalResult(t *testing.T) {
	proc := &fakeProcessRunner{output: strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hello "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"done"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"world"}]}}`,
		`{"type":"result","subtype":"success","result":"hello world","session_id":"sess-1","usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":50,"cache_creation_input_tokens":30},"modelUsage":{"some-model":{"contextWindow":200000}}}`,
	}, "\n") + "\n"}

	var events []Event
	r := NewPrimaryRunner("claude", proc, nil)
	res := r.Run(context.Background(), Options{
		Prompt:  "hi",
		OnEvent: func(ev Event) { events = append(events, ev) },
	})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Text != "hello world" {
		t.Errorf("text = %q", res.Text)
	}
	if res.SessionID != "sess-1" {
		t.Errorf("session id = %q", res.SessionID)
	}
	if res.Usage == nil || res.Usage.TotalContextTokens() != 200 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Usage.ContextWindow != 200000 {
		t.Errorf("context window = %d", res.Usage.ContextWindow)
	}

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{EventStatus, EventAssistantDelta, EventToolUse, EventToolResult, EventAssistantDelta}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestPrimaryRunBuildsResumeArgs(t *testing.T) {
	proc := &fakeProcessRunner{output: `{"type":"result","subtype":"success","result":"ok","session_id":"s"}` + "\n"}
	r := NewPrimaryRunner("claude", proc, nil)
	r.Run(context.Background(), Options{
		Prompt:    "hi",
		Model:     "some-model",
		SessionID: "prev-session",
		MaxTurns:  25,
	})

	joined := strings.Join(proc.gotArgs, " ")
	for _, want := range []string{"--resume prev-session", "--model some-model", "--max-turns 25", "--output-format stream-json"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, proc.gotArgs)
		}
	}
}

func TestPrimaryMaxTurnsError(t *testing.T) {
	proc := &fakeProcessRunner{output: `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"","session_id":"s"}` + "\n"}
	r := NewPrimaryRunner("claude", proc, nil)
	res := r.Run(context.Background(), Options{Prompt: "hi"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !IsMaxTurnsError(res.Error) {
		t.Fatalf("error %q not classified as max-turns", res.Error)
	}
}

func TestSecondaryRunParsesThread(t *testing.T) {
	proc := &fakeProcessRunner{output: strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-9"}`,
		`{"type":"item.started","item":{"type":"command_execution","command":"ls -la"}}`,
		`{"type":"item.completed","item":{"type":"command_execution","command":"ls -la"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"all done"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":40,"cached_input_tokens":10,"output_tokens":5}}`,
	}, "\n") + "\n"}

	r := NewSecondaryRunner("codex", proc, nil)
	res := r.Run(context.Background(), Options{Prompt: "hi"})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.SessionID != "th-9" {
		t.Errorf("thread id = %q", res.SessionID)
	}
	if res.Text != "all done" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Usage == nil || res.Usage.InputTokens != 40 || res.Usage.CacheReadTokens != 10 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestSecondaryResumeUsesSubcommand(t *testing.T) {
	proc := &fakeProcessRunner{output: `{"type":"turn.completed","usage":{"input_tokens":1,"output_tokens":1}}` + "\n"}
	r := NewSecondaryRunner("codex", proc, nil)
	r.Run(context.Background(), Options{Prompt: "hi", SessionID: "th-1"})

	if len(proc.gotArgs) < 3 || proc.gotArgs[0] != "exec" || proc.gotArgs[1] != "resume" || proc.gotArgs[2] != "th-1" {
		t.Fatalf("args = %v", proc.gotArgs)
	}
}

func TestSecondaryTurnFailed(t *testing.T) {
	proc := &fakeProcessRunner{output: strings.Join([]string{
		`{"type":"thread.started","thread_id":"th-9"}`,
		`{"type":"turn.failed","error":{"message":"stream disconnected: 529 overloaded"}}`,
	}, "\n") + "\n"}

	r := NewSecondaryRunner("codex", proc, nil)
	res := r.Run(context.Background(), Options{Prompt: "hi"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if Classify(res.Error) != ErrClassTransient {
		t.Fatalf("error %q classified as %s", res.Error, Classify(res.Error))
	}
}

func TestCancelHandlePublished(t *testing.T) {
	proc := &fakeProcessRunner{output: `{"type":"result","subtype":"success","result":"ok"}` + "\n"}
	r := NewPrimaryRunner("claude", proc, nil)

	published := false
	r.Run(context.Background(), Options{
		Prompt:   "hi",
		OnCancel: func(cancel func()) { published = cancel != nil },
	})
	if !published {
		t.Fatal("cancel handle never published")
	}
}

func TestTimeoutMarksResult(t *testing.T) {
	// A process whose stdout never closes until cancelled.
	pr, pw := io.Pipe()
	fp := &fakeProcess{stdout: pr, cancelled: make(chan struct{})}
	go func() {
		<-fp.cancelled
		pw.Close()
	}()

	proc := &pipeProcessRunner{p: fp}
	r := NewPrimaryRunner("claude", proc, nil)
	start := time.Now()
	res := r.Run(context.Background(), Options{Prompt: "hi", TimeoutSec: 1})

	if !res.IsTimeout || res.Success {
		t.Fatalf("result = %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not fire promptly")
	}
}

type pipeProcessRunner struct{ p *fakeProcess }

func (f *pipeProcessRunner) Start(context.Context, string, []string, string, map[string]string) (Process, error) {
	return f.p, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"Invalid API key. Please run /login", ErrClassAuth},
		{"429 rate limit exceeded", ErrClassRateLimit},
		{"API Error: 529 overloaded_error", ErrClassTransient},
		{"No conversation found with session ID abc", ErrClassSessionResume},
		{"세션을 찾을 수 없습니다", ErrClassSessionResume},
		{"something else entirely", ErrClassOther},
		{"", ErrClassOther},
	}
	for _, c := range cases {
		if got := Classify(c.msg); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestRingBufferTruncates(t *testing.T) {
	r := newRingBuffer(10)
	r.WriteString("0123456789abcdef")
	if got := r.String(); got != "6789abcdef" {
		t.Fatalf("ring = %q", got)
	}
}
