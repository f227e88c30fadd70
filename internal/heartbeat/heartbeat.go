// Package heartbeat periodically nudges the agent with a checklist prompt
// and delivers the report only when it says something new. "All clear" runs
// and repeated reports are suppressed.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rkka02/rikoclaw/internal/config"
	"github.com/rkka02/rikoclaw/internal/queue"
	"github.com/rkka02/rikoclaw/internal/runner"
)

// OKToken is the sentinel the agent replies with when nothing needs
// attention. The exact token is embedded in the prompt.
const OKToken = "HEARTBEAT_OK"

// dedupWindow suppresses a report identical to the last delivered one.
const dedupWindow = 24 * time.Hour

// slotBuffer pads each aligned slot so the tick lands after the boundary.
const slotBuffer = 10 * time.Second

// Sink is the slice of the queue manager the heartbeat needs.
type Sink interface {
	Busy() bool
	Enqueue(task *queue.Task) queue.EnqueueResult
}

// Heartbeat drives the periodic checklist run.
type Heartbeat struct {
	cfg     config.Config
	sink    Sink
	resolve queue.ChannelResolver
	loc     *time.Location
	log     *slog.Logger

	mu            sync.Mutex
	lastDelivered string
	lastAt        time.Time
}

// New creates a heartbeat. tz falls back to UTC.
func New(cfg config.Config, sink Sink, resolve queue.ChannelResolver, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.TimeZone != "" {
		if l, err := time.LoadLocation(cfg.TimeZone); err == nil {
			loc = l
		}
	}
	return &Heartbeat{
		cfg:     cfg,
		sink:    sink,
		resolve: resolve,
		loc:     loc,
		log:     logger.With("component", "heartbeat"),
	}
}

// Run ticks on interval-aligned slots until ctx ends.
func (h *Heartbeat) Run(ctx context.Context) error {
	if !h.cfg.HeartbeatEnabled || h.cfg.HeartbeatIntervalMin <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		next := h.nextSlot(time.Now().In(h.loc))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		h.tick(time.Now().In(h.loc))
	}
}

// nextSlot is the next interval boundary after now, plus a small buffer.
func (h *Heartbeat) nextSlot(now time.Time) time.Time {
	interval := time.Duration(h.cfg.HeartbeatIntervalMin) * time.Minute
	return now.Truncate(interval).Add(interval).Add(slotBuffer)
}

// tick runs the gate chain and enqueues one heartbeat task.
func (h *Heartbeat) tick(now time.Time) {
	if !h.cfg.HeartbeatEnabled {
		return
	}
	checklist := strings.TrimSpace(h.cfg.HeartbeatChecklist)
	if checklist == "" || h.cfg.HeartbeatChannelID == "" {
		return
	}
	if !h.withinActiveHours(now) {
		return
	}
	if h.sink.Busy() {
		h.log.Debug("skipping heartbeat, queue busy")
		return
	}
	target, ok := h.resolve.ResolveChannel(h.cfg.HeartbeatChannelID)
	if !ok {
		h.log.Warn("heartbeat channel unresolvable", "channel", h.cfg.HeartbeatChannelID)
		return
	}

	task := &queue.Task{
		Prompt:        h.buildPrompt(checklist),
		TaskKey:       "heartbeat:" + h.cfg.HeartbeatChannelID,
		RespondTo:     h.intercept(target),
		Engine:        runner.EnginePrimary,
		SessionUserID: "heartbeat",
		UserID:        "heartbeat",
		ContextID:     h.cfg.HeartbeatChannelID,
		ChannelID:     h.cfg.HeartbeatChannelID,
		IsHeartbeat:   true,
	}
	if res := h.sink.Enqueue(task); !res.Accepted {
		h.log.Info("heartbeat enqueue rejected", "reason", res.Reason)
	}
}

// withinActiveHours checks the configured hour window; start > end means the
// window wraps midnight, start == end means always on.
func (h *Heartbeat) withinActiveHours(now time.Time) bool {
	start, end := h.cfg.HeartbeatActiveStart, h.cfg.HeartbeatActiveEnd
	if start == end {
		return true
	}
	hour := now.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (h *Heartbeat) buildPrompt(checklist string) string {
	return fmt.Sprintf(`Run through this periodic checklist and report anything that needs attention:

%s

If every item checks out and there is nothing to report, reply with exactly %q and nothing else.`,
		checklist, OKToken)
}

// intercept wraps the real target with the disposition gate: an OK-token
// reply and a report repeated within the dedup window are suppressed.
func (h *Heartbeat) intercept(real queue.ReplyTarget) queue.ReplyTarget {
	return &interceptTarget{h: h, real: real}
}

type interceptTarget struct {
	h    *Heartbeat
	real queue.ReplyTarget

	mu      sync.Mutex
	decided bool
	forward bool
}

func (t *interceptTarget) SendChunks(chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	t.mu.Lock()
	if !t.decided {
		t.decided = true
		t.forward = t.h.shouldDeliver(chunks[0])
	}
	forward := t.forward
	t.mu.Unlock()

	if !forward {
		return nil
	}
	return t.real.SendChunks(chunks)
}

func (t *interceptTarget) SendTyping() {
	// Heartbeats stay silent until they have something to say.
}

func (t *interceptTarget) SendFiles(paths []string) error {
	t.mu.Lock()
	forward := t.forward
	t.mu.Unlock()
	if !forward {
		return nil
	}
	return t.real.SendFiles(paths)
}

// shouldDeliver decides on the first reply chunk and records delivered text
// for dedup.
func (h *Heartbeat) shouldDeliver(first string) bool {
	text := strings.TrimSpace(first)
	if text == OKToken {
		h.log.Debug("heartbeat all clear")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if text == h.lastDelivered && time.Since(h.lastAt) < dedupWindow {
		h.log.Debug("heartbeat report unchanged, suppressing")
		return false
	}
	h.lastDelivered = text
	h.lastAt = time.Now()
	return true
}
