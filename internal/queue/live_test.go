package queue

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rkka02/rikoclaw/internal/runner"
)

type fakeLiveMessage struct {
	mu      sync.Mutex
	content string
	edits   int
}

func (f *fakeLiveMessage) Edit(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = content
	f.edits++
	return nil
}

func (f *fakeLiveMessage) state() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.edits
}

// fakeLiveTarget is a reply target that also supports an editable status
// message.
type fakeLiveTarget struct {
	fakeTarget

	mu      sync.Mutex
	msg     *fakeLiveMessage
	created int
}

func (f *fakeLiveTarget) CreateLiveMessage(initial string) (LiveMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.msg = &fakeLiveMessage{content: initial}
	return f.msg, nil
}

func (f *fakeLiveTarget) liveMessage() *fakeLiveMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msg
}

func TestLiveEditsCoalesce(t *testing.T) {
	target := &fakeLiveTarget{}
	l := newLiveState(target, "primary", "m", true, slog.Default())

	l.observe(runner.Event{Type: runner.EventAssistantDelta, Text: "first"})
	l.maybeFlush(false) // lastEdit is zero, so the first frame goes out
	msg := target.liveMessage()
	if msg == nil {
		t.Fatal("no live message created")
	}
	if _, edits := msg.state(); edits != 0 {
		t.Fatalf("edits = %d right after create", edits)
	}

	// A dirty frame inside the coalescing gap must not edit.
	l.observe(runner.Event{Type: runner.EventAssistantDelta, Text: "second"})
	l.maybeFlush(false)
	if _, edits := msg.state(); edits != 0 {
		t.Fatalf("edited %d times within the coalescing gap", edits)
	}

	// Age the last edit past the gap: the pending frame flushes.
	l.mu.Lock()
	l.lastEdit = time.Now().Add(-2 * liveEditGap)
	l.mu.Unlock()
	l.maybeFlush(false)
	content, edits := msg.state()
	if edits != 1 {
		t.Fatalf("edits = %d after gap elapsed, want 1", edits)
	}
	if !strings.Contains(content, "second") {
		t.Fatalf("flushed frame missing latest delta: %q", content)
	}

	// Clean and inside the heartbeat window: still no edit.
	l.mu.Lock()
	l.lastEdit = time.Now()
	l.mu.Unlock()
	l.maybeFlush(false)
	if _, edits := msg.state(); edits != 1 {
		t.Fatalf("clean frame edited, edits = %d", edits)
	}
}

func TestLiveTakeoverReplacesContent(t *testing.T) {
	target := &fakeLiveTarget{}
	l := newLiveState(target, "primary", "m", true, slog.Default())

	l.observe(runner.Event{Type: runner.EventToolUse, Tool: "Bash"})
	l.finish("done")

	msg := target.liveMessage()
	if msg == nil {
		t.Fatal("finish did not create the live message")
	}
	if !l.takeover("final answer") {
		t.Fatal("takeover refused with a message present")
	}
	if content, _ := msg.state(); content != "final answer" {
		t.Fatalf("live content = %q, want the first reply chunk", content)
	}
}

func TestLiveTakeoverWithoutMessageFallsThrough(t *testing.T) {
	target := &fakeLiveTarget{}
	l := newLiveState(target, "primary", "m", false, slog.Default())

	// Verbose off: no frame was ever published, so the chunk must go
	// through the normal reply path instead.
	l.finish("done")
	if l.takeover("final answer") {
		t.Fatal("takeover claimed a chunk with no live message")
	}
}

func TestLiveMessageEndsWithFinalReply(t *testing.T) {
	fr := &fakeRunner{engine: runner.EnginePrimary, results: []runner.Result{
		{Success: true, Text: "the final reply"},
	}}
	m, _ := newTestManager(t, fr)

	target := &fakeLiveTarget{}
	m.Enqueue(&Task{TaskKey: "live1", Prompt: "go", RespondTo: target})
	waitDrained(t, m)

	msg := target.liveMessage()
	if msg == nil {
		t.Fatal("no live message for a live-capable target")
	}
	if content, _ := msg.state(); content != "the final reply" {
		t.Fatalf("live content = %q, want final reply", content)
	}
	// The first chunk was taken over; nothing else to send.
	if got := target.joined(); got != "" {
		t.Fatalf("chunks also sent through SendChunks: %q", got)
	}
}
