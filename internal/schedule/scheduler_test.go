package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type captureSink struct {
	tasks  []Task
	reject bool
}

func (c *captureSink) EnqueueScheduled(task Task) bool {
	if c.reject {
		return false
	}
	c.tasks = append(c.tasks, task)
	return true
}

func writeSchedules(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "schedules.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write schedules: %v", err)
	}
	return path
}

func newScheduler(t *testing.T, rootPath, modesDir string, sink Sink) *Scheduler {
	t.Helper()
	store, err := NewStore(rootPath, modesDir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s, err := New(store, sink, "UTC", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSingleFirePerMinuteBucket(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"daily","cron":"*/5 * * * *","channelId":"ch1","prompt":"report status"}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)

	at := time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	s.tick(at)
	s.tick(at.Add(10 * time.Second)) // same bucket, must not re-fire
	if len(sink.tasks) != 1 {
		t.Fatalf("fired %d times in one bucket", len(sink.tasks))
	}

	s.tick(at.Add(5 * time.Minute)) // next matching bucket
	if len(sink.tasks) != 2 {
		t.Fatalf("fired %d times across two buckets", len(sink.tasks))
	}

	s.tick(at.Add(6 * time.Minute)) // non-matching minute
	if len(sink.tasks) != 2 {
		t.Fatalf("fired on non-matching minute")
	}
}

func TestTaskShape(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"rep","cron":"* * * * *","channelId":"ch9","prompt":"go","modeId":"research","model":"m"}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)
	s.tick(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))

	if len(sink.tasks) != 1 {
		t.Fatalf("tasks = %d", len(sink.tasks))
	}
	task := sink.tasks[0]
	if task.TaskKey != "schedule:rep:ch9" {
		t.Errorf("task key = %q", task.TaskKey)
	}
	if task.SessionUserID != "mode:research" {
		t.Errorf("session user = %q", task.SessionUserID)
	}
	if task.Engine != "primary" {
		t.Errorf("engine = %q", task.Engine)
	}
}

func TestSessionUserFallsBackToScheduleKey(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"rep","cron":"* * * * *","channelId":"ch1","prompt":"go"}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)
	s.tick(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))

	if len(sink.tasks) != 1 || sink.tasks[0].SessionUserID != "schedule:rep" {
		t.Fatalf("tasks = %+v", sink.tasks)
	}
}

func TestRejectedEnqueueRetriesWithinBucket(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"rep","cron":"* * * * *","channelId":"ch1","prompt":"go"}]`)

	sink := &captureSink{reject: true}
	s := newScheduler(t, path, "", sink)

	at := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s.tick(at)
	if len(sink.tasks) != 0 {
		t.Fatal("rejected enqueue recorded a task")
	}

	// Queue freed up within the same bucket: the entry may still fire.
	sink.reject = false
	s.tick(at.Add(20 * time.Second))
	if len(sink.tasks) != 1 {
		t.Fatalf("tasks = %d after retry", len(sink.tasks))
	}
}

func TestMidMinuteTickMatchesBucket(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"rep","cron":"*/5 * * * *","channelId":"ch1","prompt":"go"}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)

	// A delayed tick lands mid-minute; the bucket still matches.
	s.tick(time.Date(2026, 8, 24, 9, 5, 37, 0, time.UTC))
	if len(sink.tasks) != 1 {
		t.Fatalf("mid-minute tick fired %d times", len(sink.tasks))
	}
}

func TestDisabledEntrySkipped(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"off","cron":"* * * * *","channelId":"ch1","prompt":"go","enabled":false}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)
	s.tick(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	if len(sink.tasks) != 0 {
		t.Fatalf("disabled entry fired")
	}
}

func TestJSONCWithCommentsParses(t *testing.T) {
	path := writeSchedules(t, t.TempDir(), `[
  // morning report
  {
    id: "morning",
    cron: "0 9 * * *",
    channelId: "ch1",
    prompt: "morning report",
  },
]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)
	s.tick(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	if len(sink.tasks) != 1 {
		t.Fatalf("jsonc entry did not fire, tasks = %d", len(sink.tasks))
	}
}

func TestPerModeFilesMergeWithPrefix(t *testing.T) {
	rootDir := t.TempDir()
	rootPath := writeSchedules(t, rootDir,
		`[{"id":"shared","cron":"* * * * *","channelId":"ch1","prompt":"root"}]`)

	modesDir := t.TempDir()
	modeDir := filepath.Join(modesDir, "research")
	if err := os.MkdirAll(modeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modeDir, "schedules.json"),
		[]byte(`[{"id":"shared","cron":"* * * * *","channelId":"ch2","prompt":"mode"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(rootPath, modesDir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	entries := store.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d: %+v", len(entries), entries)
	}
	if entries["shared"].Prompt != "root" {
		t.Errorf("root entry = %+v", entries["shared"])
	}
	mode := entries["research:shared"]
	if mode.Prompt != "mode" || mode.ModeID != "research" {
		t.Errorf("mode entry = %+v", mode)
	}
}

func TestEveryMinuteRangeCron(t *testing.T) {
	path := writeSchedules(t, t.TempDir(),
		`[{"id":"range","cron":"0-59 * * * *","channelId":"ch1","prompt":"go"}]`)

	sink := &captureSink{}
	s := newScheduler(t, path, "", sink)
	for i := 0; i < 3; i++ {
		s.tick(time.Date(2026, 8, 24, 9, i, 0, 0, time.UTC))
	}
	if len(sink.tasks) != 3 {
		t.Fatalf("range cron fired %d of 3 minutes", len(sink.tasks))
	}
}
