package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Task is what the scheduler hands to the queue on a cron match.
type Task struct {
	TaskKey       string
	ChannelID     string
	Prompt        string
	SessionUserID string
	Engine        string
	ModeID        string
	ModeName      string
	Model         string
}

// Sink accepts scheduled tasks. Returns false when the queue rejected the
// task (duplicate or full); rejection leaves the fired set untouched so the
// next tick may retry within the same bucket.
type Sink interface {
	EnqueueScheduled(task Task) bool
}

// Scheduler fires schedule entries on a clock-aligned minute tick, at most
// once per (entry, minute bucket).
type Scheduler struct {
	store *Store
	sink  Sink
	loc   *time.Location
	log   *slog.Logger
	cron  *gronx.Gronx

	bucket string
	fired  map[string]bool
}

// New creates a scheduler evaluating cron expressions in tz (default UTC).
func New(store *Store, sink Sink, tz string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load time zone %s: %w", tz, err)
		}
	}
	return &Scheduler{
		store: store,
		sink:  sink,
		loc:   loc,
		log:   logger,
		cron:  gronx.New(),
		fired: make(map[string]bool),
	}, nil
}

// Run ticks once per minute, aligned to the wall clock, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := time.Now().In(s.loc)
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		s.tick(time.Now().In(s.loc))
	}
}

// tick evaluates every enabled entry against now. Exported behavior is
// exercised through Run; tests call tick directly with synthetic clocks.
func (s *Scheduler) tick(now time.Time) {
	bucket := now.Format("2006-01-02T15:04")
	if bucket != s.bucket {
		s.bucket = bucket
		s.fired = make(map[string]bool)
	}

	for key, entry := range s.store.Entries() {
		if !entry.IsEnabled() || s.fired[key] {
			continue
		}
		// Evaluate against the minute bucket: gronx treats a 5-field
		// expression as having a 0-seconds segment, so a tick landing
		// mid-minute would otherwise never match.
		due, err := s.cron.IsDue(entry.Cron, now.Truncate(time.Minute))
		if err != nil {
			s.log.Warn("invalid cron expression", "schedule", key, "cron", entry.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}

		sessionUserID := "schedule:" + key
		if entry.ModeID != "" {
			sessionUserID = "mode:" + entry.ModeID
		}
		task := Task{
			TaskKey:       fmt.Sprintf("schedule:%s:%s", key, entry.ChannelID),
			ChannelID:     entry.ChannelID,
			Prompt:        entry.Prompt,
			SessionUserID: sessionUserID,
			Engine:        "primary",
			ModeID:        entry.ModeID,
			ModeName:      entry.ModeName,
			Model:         entry.Model,
		}
		if s.sink.EnqueueScheduled(task) {
			s.fired[key] = true
			s.log.Info("schedule fired", "schedule", key, "channel", entry.ChannelID)
		}
	}
}
