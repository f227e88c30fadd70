package queue

import (
	"log/slog"

	"github.com/rkka02/rikoclaw/internal/runner"
	"github.com/rkka02/rikoclaw/internal/schedule"
)

// ChannelResolver turns a transport channel id into a reply target.
// Implementations live with the transport.
type ChannelResolver interface {
	ResolveChannel(channelID string) (ReplyTarget, bool)
}

// ScheduleSink adapts scheduled firings into queue tasks.
type ScheduleSink struct {
	m       *Manager
	resolve ChannelResolver
	log     *slog.Logger
}

// NewScheduleSink wires the scheduler to the queue.
func NewScheduleSink(m *Manager, resolve ChannelResolver, logger *slog.Logger) *ScheduleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleSink{m: m, resolve: resolve, log: logger}
}

// EnqueueScheduled implements schedule.Sink. Returns false on rejection so
// the scheduler retries within the minute bucket.
func (s *ScheduleSink) EnqueueScheduled(t schedule.Task) bool {
	target, ok := s.resolve.ResolveChannel(t.ChannelID)
	if !ok {
		s.log.Warn("schedule channel unresolvable", "task_key", t.TaskKey, "channel", t.ChannelID)
		return false
	}

	res := s.m.Enqueue(&Task{
		Prompt:        t.Prompt,
		SessionUserID: t.SessionUserID,
		MechoModeID:   t.ModeID,
		Model:         t.Model,
		TaskKey:       t.TaskKey,
		RespondTo:     target,
		Engine:        runner.EnginePrimary,
		ModeName:      t.ModeName,
		UserID:        t.SessionUserID,
		ContextID:     t.ChannelID,
		ChannelID:     t.ChannelID,
	})
	if !res.Accepted {
		s.log.Info("scheduled task rejected", "task_key", t.TaskKey, "reason", res.Reason)
	}
	return res.Accepted
}
