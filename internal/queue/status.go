package queue

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// StatusView is the queue state published at the status endpoint and
// consumed by the MCP queue_status tool.
type StatusView struct {
	Running       []StatusTask `json:"running"`
	Pending       []string     `json:"pending"`
	MaxConcurrent int          `json:"maxConcurrent"`
	MaxQueueSize  int          `json:"maxQueueSize"`
}

// StatusTask is one running task in the status view.
type StatusTask struct {
	TaskKey   string `json:"taskKey"`
	Engine    string `json:"engine"`
	Model     string `json:"model,omitempty"`
	StartedAt string `json:"startedAt"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Status builds the current queue status view.
func (m *Manager) Status() StatusView {
	view := StatusView{
		Running:       []StatusTask{},
		Pending:       []string{},
		MaxConcurrent: m.cfg.MaxConcurrentRuns,
		MaxQueueSize:  m.cfg.MaxQueueSize,
	}
	for _, s := range m.CurrentTaskSnapshots() {
		view.Running = append(view.Running, StatusTask{
			TaskKey:   s.TaskKey,
			Engine:    s.Engine,
			Model:     s.Model,
			StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
			ElapsedMs: s.ElapsedMs,
		})
	}
	sort.Slice(view.Running, func(i, j int) bool {
		return view.Running[i].TaskKey < view.Running[j].TaskKey
	})
	view.Pending = append(view.Pending, m.PendingTaskKeys(0)...)
	return view
}

// StatusHandler serves the status view as JSON.
func (m *Manager) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Status()); err != nil {
			m.log.Warn("encode queue status", "error", err)
		}
	}
}
