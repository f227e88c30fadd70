package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rkka02/rikoclaw/internal/mecho/client"
	"github.com/rkka02/rikoclaw/internal/restart"
	"github.com/rkka02/rikoclaw/internal/runner"
)

// transientRetrySleep is the backoff before the single transient-error rerun.
const transientRetrySleep = 1200 * time.Millisecond

// rotationSummaryPrompt asks the agent to summarize the session before it is
// rotated out. Runs with a single turn so it cannot wander.
const rotationSummaryPrompt = `Summarize this conversation for a handoff to a fresh session. Cover: what was being worked on, decisions made, current state, and immediate next steps. Be concise and concrete; skip pleasantries.`

// execute runs one task end to end: workspace, inputs, prompt composition,
// the runner with its retry ladder, session bookkeeping, rotation, restart
// directives, output harvesting, and the final reply.
func (m *Manager) execute(task *Task, rs *runningState, seq int64) {
	log := m.log.With("task_key", task.TaskKey, "engine", engineLabel(task.Engine))
	ctx := context.Background()

	ws, err := m.newWorkspace(task.TaskKey, seq)
	if err != nil {
		log.Error("turn workspace", "error", err)
		m.reply(task, nil, "Could not prepare a working directory for this task.", nil)
		return
	}
	defer ws.remove(log)

	stopTyping := m.startTyping(task)
	defer stopTyping()

	inputs := ws.moveStagedInputs(m.stagingDir(), log)
	inputs = append(inputs, m.downloadAttachments(task, ws, log)...)

	prompt := m.composePrompt(task, inputs)
	systemPrompt := composeSystemPrompt(task.SystemPrompt, ws)

	live := m.attachLive(task, rs)
	blocks := &blockTracker{}

	res := m.runLadder(ctx, task, rs, prompt, systemPrompt, ws, live, blocks, log)

	if m.cancelWasRequested(task.TaskKey) {
		if live != nil {
			live.finish("cancelled")
		}
		m.reply(task, nil, "Task cancelled.", nil)
		return
	}

	// Heartbeat reports can be truncated when the CLI rotates its own
	// context mid-run; the longest streamed block wins over a shorter final.
	if task.IsHeartbeat {
		if longest := blocks.longest(); len(longest) > len(res.Text) {
			res.Text = longest
		}
	}

	m.persistSession(task, res, log)
	notice := m.maybeRotate(ctx, task, res, log)
	notice += m.checkRestartDirective(task, res, ws, log)

	files := ws.harvestOutputs(log)

	replyText := res.Text
	if !res.Success {
		replyText = failureReply(res)
	}
	if notice != "" {
		replyText = strings.TrimRight(replyText, "\n") + "\n\n" + strings.TrimSpace(notice)
	}
	if strings.TrimSpace(replyText) == "" && len(files) == 0 {
		replyText = "(no reply text)"
	}

	if live != nil {
		if res.Success {
			live.finish("done")
		} else {
			live.finish("failed")
		}
	}

	m.reply(task, live, replyText, files)

	if task.OnComplete != nil {
		task.OnComplete(res)
	}
}

// runLadder executes the runner and applies the retry ladder. Each rung
// checks the cancel flag first so a cancelled task never respawns.
func (m *Manager) runLadder(ctx context.Context, task *Task, rs *runningState,
	prompt, systemPrompt string, ws *workspace, live *liveState, blocks *blockTracker,
	log *slog.Logger) runner.Result {

	eng, ok := m.runners[engineLabel(task.Engine)]
	if !ok {
		return runner.Result{Error: fmt.Sprintf("no runner for engine %q", task.Engine)}
	}

	model := task.Model
	if model == "" {
		model = m.resolveModel(task)
	}

	runOnce := func(sessionID, model string, maxTurns int) runner.Result {
		opts := runner.Options{
			Prompt:       prompt,
			SystemPrompt: systemPrompt,
			Model:        model,
			SessionID:    sessionID,
			MaxTurns:     maxTurns,
			TimeoutSec:   m.cfg.RunTimeoutSec,
			WorkDir:      ws.root,
			EnvOverrides: m.memoryEnv(task),
			OnCancel:     rs.setCancel,
			OnEvent: func(ev runner.Event) {
				blocks.observe(ev)
				if live != nil {
					live.observe(ev)
				}
			},
		}
		return m.runWithMemory(ctx, task, eng, opts)
	}

	sessionID := task.SessionID
	res := runOnce(sessionID, model, 0)

	cancelled := func() bool { return m.cancelWasRequested(task.TaskKey) }

	// a. Max-turns exhaustion: rerun uncapped when the engine honors it.
	if !res.Success && runner.IsMaxTurnsError(res.Error) && eng.SupportsMaxTurnsRetry() && !cancelled() {
		log.Info("retry: max turns exhausted, rerunning uncapped")
		res = runOnce(sessionID, model, 0)
	}

	// b. Timeout: rerun once letting the CLI pick its default model.
	if res.IsTimeout && !cancelled() {
		log.Info("retry: timeout, rerunning with default model")
		res = runOnce(sessionID, "", 0)
	}

	// c. Transient API failure: one backoff-then-rerun.
	if !res.Success && runner.IsTransient(res.Error, res.Text) && !cancelled() {
		log.Info("retry: transient failure", "error", res.Error)
		time.Sleep(transientRetrySleep)
		res = runOnce(sessionID, model, 0)
	}

	// d. Resume failure: the stored session id is gone on the CLI side.
	if !res.Success && sessionID != "" && eng.SupportsResume() &&
		runner.Classify(res.Error) == runner.ErrClassSessionResume && !cancelled() {
		log.Warn("retry: stale session, starting fresh", "session_id", sessionID)
		if err := m.store.DeleteSession(task.SessionUserID, task.ContextID, engineLabel(task.Engine)); err != nil {
			log.Warn("delete stale session", "error", err)
		}
		task.SessionID = ""
		res = runOnce("", model, 0)
	}

	return res
}

// runWithMemory wraps one runner invocation with the memory prepare/ack
// handshake. A disabled or unreachable memory service degrades to a plain
// run.
func (m *Manager) runWithMemory(ctx context.Context, task *Task, eng runner.Runner, opts runner.Options) runner.Result {
	modeID := m.resolveMechoMode(task)
	if !m.memory.Enabled() || modeID == "" {
		return eng.Run(ctx, opts)
	}

	sessionKey := m.memorySessionKey(task, modeID)
	forceFull := opts.SessionID == ""
	wrapped, prepared := m.memory.WrapPrompt(ctx, modeID, sessionKey, engineLabel(task.Engine), opts.Prompt, forceFull)
	opts.Prompt = wrapped

	res := eng.Run(ctx, opts)
	m.memory.Finish(ctx, prepared, res.Success)
	return res
}

// persistSession records the agent session id for the conversation triple.
func (m *Manager) persistSession(task *Task, res runner.Result, log *slog.Logger) {
	engine := engineLabel(task.Engine)
	switch {
	case res.SessionID != "":
		if err := m.store.SaveSession(task.SessionUserID, task.ContextID, engine, res.SessionID); err != nil {
			log.Warn("save session", "error", err)
		}
	case res.Success && task.SessionID != "":
		if err := m.store.TouchSession(task.SessionUserID, task.ContextID, engine); err != nil {
			log.Warn("touch session", "error", err)
		}
	}

	if res.Usage != nil && res.SessionID != "" {
		if err := m.store.UpdateSessionTokens(task.SessionUserID, task.ContextID, engine,
			res.Usage.TotalContextTokens(), res.Usage.ContextWindow); err != nil {
			log.Warn("update session tokens", "error", err)
		}
	}
}

// maybeRotate checks context consumption against the rotation threshold and,
// when crossed, summarizes the session and rotates it out. Returns a notice
// to append to the reply, or "".
func (m *Manager) maybeRotate(ctx context.Context, task *Task, res runner.Result, log *slog.Logger) string {

	if !res.Success || res.Usage == nil || res.Usage.ContextWindow <= 0 {
		return ""
	}
	// Heartbeat sessions are cheap and disposable; rotating them would
	// only burn a summarization run.
	if task.IsHeartbeat {
		return ""
	}
	sessionID := res.SessionID
	if sessionID == "" {
		sessionID = task.SessionID
	}
	if sessionID == "" {
		return ""
	}

	threshold := m.cfg.RotationThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	if threshold < 0.5 {
		threshold = 0.5
	}
	if threshold > 0.95 {
		threshold = 0.95
	}

	used := res.Usage.TotalContextTokens()
	ratio := float64(used) / float64(res.Usage.ContextWindow)
	if ratio < threshold {
		return ""
	}

	engine := engineLabel(task.Engine)
	eng, ok := m.runners[engine]
	if !ok {
		return ""
	}

	log.Info("rotating session", "ratio", fmt.Sprintf("%.2f", ratio), "session_id", sessionID)

	timeout := m.cfg.RotationTimeoutSec
	if timeout <= 0 {
		timeout = 120
	}
	sum := eng.Run(ctx, runner.Options{
		Prompt:     rotationSummaryPrompt,
		SessionID:  sessionID,
		MaxTurns:   1,
		TimeoutSec: timeout,
	})
	if !sum.Success || strings.TrimSpace(sum.Text) == "" {
		log.Warn("rotation summary failed, keeping session", "error", sum.Error)
		return ""
	}

	if err := m.store.SaveSummary(task.SessionUserID, task.ContextID, engine,
		sum.Text, sessionID, used); err != nil {
		log.Warn("save rotation summary", "error", err)
		return ""
	}
	if err := m.store.DeleteSession(task.SessionUserID, task.ContextID, engine); err != nil {
		log.Warn("delete rotated session", "error", err)
	}

	return fmt.Sprintf("_Session context was %.0f%% full; rotated to a fresh session. A handoff summary carries over._", ratio*100)
}

// checkRestartDirective looks for a restart request in the turn's output
// and, on a successful turn, persists the pending resume and schedules the
// external restart. Returns a notice for the reply, or "".
func (m *Manager) checkRestartDirective(task *Task, res runner.Result, ws *workspace, log *slog.Logger) string {

	if m.restarts == nil {
		return ""
	}
	d := restart.FindDirective(ws.outputDir(), res.Text)
	if !d.Signaled() {
		return ""
	}
	if !res.Success {
		log.Warn("ignoring restart directive from failed turn")
		return ""
	}

	sessionID := res.SessionID
	if sessionID == "" {
		sessionID = task.SessionID
	}
	pending := restart.BuildPendingResume(d, restart.TurnContext{
		ChannelID:     task.ChannelID,
		UserID:        task.UserID,
		ContextID:     task.ContextID,
		SessionUserID: task.SessionUserID,
		Engine:        engineLabel(task.Engine),
		SessionID:     sessionID,
		Model:         task.Model,
		ModeName:      task.ModeName,
		MechoModeID:   task.MechoModeID,
	})
	if err := m.restarts.SavePending(pending); err != nil {
		log.Warn("save pending resume", "error", err)
		return ""
	}
	if err := m.restarts.ScheduleRestart(d.DelaySec); err != nil {
		log.Warn("schedule restart", "error", err)
		return ""
	}

	m.RequestRestartShutdown()
	log.Info("restart directive accepted", "reason", d.Reason)
	return "_Restarting to apply changes; I will resume this task after coming back up._"
}

// reply delivers the final text and harvested files. A live-update message
// owns the first chunk via edit; the remainder goes through SendChunks.
func (m *Manager) reply(task *Task, live *liveState, text string, files []string) {
	if task.RespondTo == nil {
		return
	}
	chunks := SplitMessage(m.redactor.redact(text), maxChunkLen)

	if live != nil && len(chunks) > 0 {
		if live.takeover(chunks[0]) {
			chunks = chunks[1:]
		}
	}
	if len(chunks) > 0 {
		if err := task.RespondTo.SendChunks(chunks); err != nil {
			m.log.Warn("send reply", "task_key", task.TaskKey, "error", err)
		}
	}
	if len(files) > 0 {
		if err := task.RespondTo.SendFiles(files); err != nil {
			m.log.Warn("send files", "task_key", task.TaskKey, "error", err)
		}
	}
}

// startTyping fires the reply channel's typing indicator on an interval
// until the returned stop function runs.
func (m *Manager) startTyping(task *Task) func() {
	if task.RespondTo == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		task.RespondTo.SendTyping()
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				task.RespondTo.SendTyping()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// attachLive creates a live-update state when the target supports editing
// and verbose is on for the conversation. Streaming capture continues even
// while paused so a later verbose toggle attaches with history.
func (m *Manager) attachLive(task *Task, rs *runningState) *liveState {
	lc, ok := task.RespondTo.(LiveCapable)
	if !ok {
		return nil
	}
	verbose := true
	if m.over != nil {
		if v, set := m.over.Verbose(task.UserID, task.ContextID); set {
			verbose = v
		}
	}
	live := newLiveState(lc, engineLabel(task.Engine), m.displayModel(task), verbose, m.log)
	m.setLive(rs, live)
	live.start()
	return live
}

func (m *Manager) resolveModel(task *Task) string {
	if m.over != nil {
		if model := m.over.Model(task.UserID, task.ContextID); model != "" {
			return model
		}
	}
	return m.cfg.DefaultModel
}

func (m *Manager) displayModel(task *Task) string {
	if task.Model != "" {
		return task.Model
	}
	if model := m.resolveModel(task); model != "" {
		return model
	}
	return "default"
}

func (m *Manager) resolveMechoMode(task *Task) string {
	if task.MechoModeID != "" {
		return task.MechoModeID
	}
	if m.over != nil {
		return m.over.MechoMode(task.UserID, task.ContextID)
	}
	return ""
}

func (m *Manager) memorySessionKey(task *Task, modeID string) string {
	userID := task.SessionUserID
	if userID == "" {
		userID = task.UserID
	}
	return client.SessionKey(modeID, engineLabel(task.Engine), userID, task.ContextID)
}

func (m *Manager) memoryEnv(task *Task) map[string]string {
	if !m.memory.Enabled() {
		return nil
	}
	env := map[string]string{"MECHO_API_URL": m.memory.BaseURL()}
	if modeID := m.resolveMechoMode(task); modeID != "" {
		env["MECHO_MODE_ID"] = modeID
	}
	return env
}

func failureReply(res runner.Result) string {
	if res.IsTimeout {
		return "The agent run timed out."
	}
	if msg := runner.HumanMessage(runner.Classify(res.Error)); msg != "" {
		return msg
	}
	if res.Error != "" {
		return "The agent run failed: " + res.Error
	}
	return "The agent run failed."
}

// blockTracker accumulates assistant text into blocks delimited by tool
// events and remembers the longest one.
type blockTracker struct {
	current strings.Builder
	best    string
}

func (b *blockTracker) observe(ev runner.Event) {
	switch ev.Type {
	case runner.EventAssistantDelta:
		if b.current.Len() > 0 {
			b.current.WriteString("\n")
		}
		b.current.WriteString(ev.Text)
	case runner.EventToolUse, runner.EventToolResult:
		b.flush()
	}
}

func (b *blockTracker) flush() {
	if b.current.Len() > len(b.best) {
		b.best = b.current.String()
	}
	b.current.Reset()
}

func (b *blockTracker) longest() string {
	b.flush()
	return b.best
}
