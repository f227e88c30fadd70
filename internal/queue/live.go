package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rkka02/rikoclaw/internal/runner"
)

const (
	liveEventRing  = 12  // recent events shown
	liveTailLimit  = 900 // assistant tail chars shown
	liveEditGap    = 1500 * time.Millisecond
	liveHeartbeat  = 20 * time.Second
	livePollPeriod = 500 * time.Millisecond
)

// liveState maintains one edit-in-place status message for a running task.
// Streaming capture always runs; verbose only gates the edits, so toggling
// verbose back on attaches with full history.
type liveState struct {
	target    LiveCapable
	engine    string
	model     string
	startedAt time.Time
	log       *slog.Logger

	mu       sync.Mutex
	msg      LiveMessage
	verbose  bool
	status   string
	events   []string
	tail     string
	dirty    bool
	lastEdit time.Time
	done     chan struct{}
	closed   bool
}

func newLiveState(target LiveCapable, engine, model string, verbose bool, log *slog.Logger) *liveState {
	return &liveState{
		target:    target,
		engine:    engine,
		model:     model,
		startedAt: time.Now(),
		log:       log,
		verbose:   verbose,
		status:    "running",
		done:      make(chan struct{}),
	}
}

func (l *liveState) start() {
	go l.loop()
}

func (l *liveState) loop() {
	ticker := time.NewTicker(livePollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.maybeFlush(false)
		}
	}
}

// observe records one stream event. Assistant deltas feed the tail; tool and
// status events feed the ring.
func (l *liveState) observe(ev runner.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Type {
	case runner.EventAssistantDelta:
		if l.tail != "" {
			l.tail += "\n"
		}
		l.tail += ev.Text
		if len(l.tail) > liveTailLimit {
			l.tail = l.tail[len(l.tail)-liveTailLimit:]
		}
	case runner.EventToolUse:
		l.pushEvent("🔧 " + ev.Tool)
	case runner.EventToolResult:
		l.pushEvent("↩ " + truncateLine(ev.Text, 80))
	case runner.EventStatus:
		l.pushEvent("· " + truncateLine(ev.Text, 80))
	}
	l.dirty = true
}

func (l *liveState) pushEvent(line string) {
	l.events = append(l.events, line)
	if len(l.events) > liveEventRing {
		l.events = l.events[len(l.events)-liveEventRing:]
	}
}

func (l *liveState) setVerbose(v bool) {
	l.mu.Lock()
	l.verbose = v
	l.dirty = true
	l.mu.Unlock()
}

// maybeFlush edits the message when verbose, and either dirty past the
// coalescing gap or stale past the heartbeat.
func (l *liveState) maybeFlush(force bool) {
	l.mu.Lock()
	if l.closed || !l.verbose {
		l.mu.Unlock()
		return
	}
	since := time.Since(l.lastEdit)
	if !force && !(l.dirty && since >= liveEditGap) && since < liveHeartbeat {
		l.mu.Unlock()
		return
	}
	content := l.renderLocked()
	l.dirty = false
	l.lastEdit = time.Now()
	msg := l.msg
	l.mu.Unlock()

	if msg == nil {
		created, err := l.target.CreateLiveMessage(content)
		if err != nil {
			l.log.Warn("create live message", "error", err)
			return
		}
		l.mu.Lock()
		l.msg = created
		l.mu.Unlock()
		return
	}
	if err := msg.Edit(content); err != nil {
		l.log.Warn("edit live message", "error", err)
	}
}

func (l *liveState) render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renderLocked()
}

func (l *liveState) renderLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** · %s · %s · %s\n", l.engine, l.model,
		time.Since(l.startedAt).Round(time.Second), l.status)
	for _, ev := range l.events {
		b.WriteString(ev + "\n")
	}
	if l.tail != "" {
		b.WriteString("\n" + l.tail)
	}
	return b.String()
}

// finish stops the edit loop with a terminal status and flushes one last
// frame.
func (l *liveState) finish(status string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.status = status
	l.dirty = true
	l.mu.Unlock()

	l.maybeFlush(true)

	l.mu.Lock()
	l.closed = true
	close(l.done)
	l.mu.Unlock()
}

// takeover replaces the live message content with the first reply chunk.
// Returns false when no message was ever created, in which case the chunk
// goes through the normal reply path.
func (l *liveState) takeover(firstChunk string) bool {
	l.mu.Lock()
	msg := l.msg
	l.mu.Unlock()
	if msg == nil {
		return false
	}
	if err := msg.Edit(firstChunk); err != nil {
		l.log.Warn("live message takeover", "error", err)
		return false
	}
	return true
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}

// SetLiveVerbose toggles live-update edits for a running task.
func (m *Manager) SetLiveVerbose(taskKey string, verbose bool) bool {
	m.mu.Lock()
	rs, ok := m.running[taskKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	rs.mu.Lock()
	live := rs.live
	rs.mu.Unlock()
	if live == nil {
		return false
	}
	live.setVerbose(verbose)
	return true
}
