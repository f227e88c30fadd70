package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// PrimaryRunner drives the primary coding-agent CLI with stream-json output.
type PrimaryRunner struct {
	bin  string
	proc ProcessRunner
	log  *slog.Logger
}

// NewPrimaryRunner builds the primary variant. bin defaults to "claude".
func NewPrimaryRunner(bin string, proc ProcessRunner, logger *slog.Logger) *PrimaryRunner {
	if bin == "" {
		bin = "claude"
	}
	if proc == nil {
		proc = CLIProcessRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrimaryRunner{bin: bin, proc: proc, log: logger}
}

func (r *PrimaryRunner) Engine() string              { return EnginePrimary }
func (r *PrimaryRunner) SupportsMaxTurnsRetry() bool { return true }
func (r *PrimaryRunner) SupportsResume() bool        { return true }

// Run executes one turn.
func (r *PrimaryRunner) Run(ctx context.Context, opts Options) Result {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	parser := &primaryParser{onEvent: opts.OnEvent}
	return runStream(ctx, r.proc, r.log, r.bin, args, opts, parser)
}

// primaryParser folds the primary CLI's stream-json lines.
type primaryParser struct {
	onEvent func(Event)

	deltas     strings.Builder
	sessionID  string
	resultText string
	errMsg     string
	usage      *Usage
}

type primaryLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []primaryBlock `json:"content"`
	} `json:"message"`

	// Terminal "result" fields.
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   *struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	ModelUsage map[string]struct {
		ContextWindow int64 `json:"contextWindow"`
	} `json:"modelUsage"`
}

type primaryBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

func (p *primaryParser) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *primaryParser) parseLine(line string) {
	var evt primaryLine
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return
	}
	if evt.SessionID != "" {
		p.sessionID = evt.SessionID
	}

	switch evt.Type {
	case "system":
		if evt.Subtype == "init" {
			p.emit(Event{Type: EventStatus, Text: "session started"})
		}

	case "assistant":
		if evt.Message == nil {
			return
		}
		for _, block := range evt.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					p.deltas.WriteString(block.Text)
					p.emit(Event{Type: EventAssistantDelta, Text: block.Text})
				}
			case "tool_use":
				p.emit(Event{Type: EventToolUse, Tool: block.Name})
			}
		}

	case "user":
		if evt.Message == nil {
			return
		}
		for _, block := range evt.Message.Content {
			if block.Type == "tool_result" {
				p.emit(Event{Type: EventToolResult, Text: rawPreview(block.Content, 200)})
			}
		}

	case "result":
		p.resultText = evt.Result
		if evt.IsError {
			p.errMsg = evt.Result
			if p.errMsg == "" {
				p.errMsg = evt.Subtype
			}
		}
		if evt.Subtype == "error_max_turns" {
			p.errMsg = "max turns exceeded"
		}
		if evt.Usage != nil {
			p.usage = &Usage{
				InputTokens:         evt.Usage.InputTokens,
				OutputTokens:        evt.Usage.OutputTokens,
				CacheReadTokens:     evt.Usage.CacheReadTokens,
				CacheCreationTokens: evt.Usage.CacheCreationTokens,
			}
			for _, mu := range evt.ModelUsage {
				if mu.ContextWindow > 0 {
					p.usage.ContextWindow = mu.ContextWindow
					break
				}
			}
		}
	}
}

func (p *primaryParser) finalize(res *Result) {
	res.SessionID = p.sessionID
	res.Usage = p.usage
	res.Error = p.errMsg
	res.Text = p.resultText
	if res.Text == "" {
		res.Text = p.deltas.String()
	}
}

// rawPreview renders a short printable form of a raw JSON value. Tool result
// content is either a plain string or a block array.
func rawPreview(raw json.RawMessage, maxLen int) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var blocks []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &blocks); err == nil {
			var parts []string
			for _, b := range blocks {
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			s = strings.Join(parts, " ")
		} else {
			s = string(raw)
		}
	}
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = fmt.Sprintf("%s...", s[:maxLen])
	}
	return s
}
