package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// SecondaryRunner drives the secondary coding-agent CLI through its exec
// subcommand. Resume rides on a thread id instead of a session flag, and
// there is no max-turns cap to retry around.
type SecondaryRunner struct {
	bin  string
	proc ProcessRunner
	log  *slog.Logger
}

// NewSecondaryRunner builds the secondary variant. bin defaults to "codex".
func NewSecondaryRunner(bin string, proc ProcessRunner, logger *slog.Logger) *SecondaryRunner {
	if bin == "" {
		bin = "codex"
	}
	if proc == nil {
		proc = CLIProcessRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecondaryRunner{bin: bin, proc: proc, log: logger}
}

func (r *SecondaryRunner) Engine() string              { return EngineSecondary }
func (r *SecondaryRunner) SupportsMaxTurnsRetry() bool { return false }
func (r *SecondaryRunner) SupportsResume() bool        { return true }

// Run executes one turn.
func (r *SecondaryRunner) Run(ctx context.Context, opts Options) Result {
	args := []string{"exec"}
	if opts.SessionID != "" {
		args = append(args, "resume", opts.SessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}

	// No system-prompt flag on this CLI; fold it into the prompt.
	prompt := opts.Prompt
	if opts.SystemPrompt != "" {
		prompt = opts.SystemPrompt + "\n\n" + prompt
	}
	args = append(args, prompt)

	parser := &secondaryParser{onEvent: opts.OnEvent}
	return runStream(ctx, r.proc, r.log, r.bin, args, opts, parser)
}

// secondaryParser folds the secondary CLI's event stream. Messages arrive as
// whole items rather than per-delta chunks.
type secondaryParser struct {
	onEvent func(Event)

	text     strings.Builder
	threadID string
	errMsg   string
	usage    *Usage
}

type secondaryLine struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     *struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Command string `json:"command"`
	} `json:"item"`
	Usage *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (p *secondaryParser) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *secondaryParser) parseLine(line string) {
	var evt secondaryLine
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return
	}
	// The first event carrying a thread id wins.
	if evt.ThreadID != "" && p.threadID == "" {
		p.threadID = evt.ThreadID
	}

	switch evt.Type {
	case "thread.started":
		p.emit(Event{Type: EventStatus, Text: "thread started"})

	case "item.started":
		if evt.Item != nil && evt.Item.Type == "command_execution" {
			p.emit(Event{Type: EventToolUse, Tool: firstWord(evt.Item.Command)})
		}

	case "item.completed":
		if evt.Item == nil {
			return
		}
		switch evt.Item.Type {
		case "agent_message":
			if evt.Item.Text != "" {
				if p.text.Len() > 0 {
					p.text.WriteString("\n")
				}
				p.text.WriteString(evt.Item.Text)
				p.emit(Event{Type: EventAssistantDelta, Text: evt.Item.Text})
			}
		case "command_execution":
			p.emit(Event{Type: EventToolResult, Text: firstWord(evt.Item.Command)})
		}

	case "turn.completed":
		if evt.Usage != nil {
			p.usage = &Usage{
				InputTokens:     evt.Usage.InputTokens,
				OutputTokens:    evt.Usage.OutputTokens,
				CacheReadTokens: evt.Usage.CachedInputTokens,
			}
		}

	case "turn.failed":
		if evt.Error != nil {
			p.errMsg = evt.Error.Message
		}

	case "error":
		if evt.Message != "" {
			p.errMsg = evt.Message
		}
	}
}

func (p *secondaryParser) finalize(res *Result) {
	res.SessionID = p.threadID
	res.Usage = p.usage
	res.Error = p.errMsg
	res.Text = p.text.String()
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
