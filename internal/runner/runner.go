// Package runner executes external coding-agent CLIs as detached
// subprocesses, streaming their NDJSON output into normalized events and a
// final result. Two variants exist: the primary CLI (stream-json, --resume)
// and the secondary CLI (exec subcommand, thread ids).
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Engine identifiers carried in session records and task routing.
const (
	EnginePrimary   = "primary"
	EngineSecondary = "secondary"
)

// Event types emitted during a run.
const (
	EventAssistantDelta = "assistant_delta"
	EventToolUse        = "tool_use"
	EventToolResult     = "tool_result"
	EventStatus         = "status"
)

// Event is one normalized stream occurrence.
type Event struct {
	Type string
	Text string
	Tool string
}

// Usage is the token accounting reported by a run's terminal event.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	ContextWindow       int64
}

// TotalContextTokens is the cumulative context consumption used for the
// rotation threshold check.
func (u *Usage) TotalContextTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Result is the outcome of one subprocess run.
type Result struct {
	Success    bool
	Text       string
	SessionID  string
	Error      string
	DurationMs int64
	IsTimeout  bool
	Usage      *Usage
}

// Options parameterize a single run.
type Options struct {
	Prompt       string
	SystemPrompt string
	Model        string
	SessionID    string // resume this agent session when supported
	MaxTurns     int    // 0 means no cap
	TimeoutSec   int
	WorkDir      string
	EnvOverrides map[string]string
	OnEvent      func(Event)
	// OnCancel receives the cancel handle as soon as the process exists.
	OnCancel func(cancel func())
}

// Runner is the variant-independent execution surface.
type Runner interface {
	Engine() string
	Run(ctx context.Context, opts Options) Result
	SupportsMaxTurnsRetry() bool
	SupportsResume() bool
}

// lineParser consumes one NDJSON line at a time and fills the final result.
type lineParser interface {
	parseLine(line string)
	finalize(res *Result)
}

// runStream spawns the process and drives the parser over its stdout. Shared
// by both variants.
func runStream(ctx context.Context, proc ProcessRunner, log *slog.Logger,
	bin string, args []string, opts Options, parser lineParser) Result {

	start := time.Now()
	res := Result{}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if opts.TimeoutSec > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(opts.TimeoutSec)*time.Second)
		defer cancelTimeout()
	}

	p, err := proc.Start(runCtx, bin, args, opts.WorkDir, opts.EnvOverrides)
	if err != nil {
		res.Error = fmt.Sprintf("spawn %s: %v", bin, err)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}
	if opts.OnCancel != nil {
		opts.OnCancel(p.Cancel)
	}

	// Kill the whole group if the context (deadline or external cancel)
	// fires before the process exits.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			p.Cancel()
		case <-watchDone:
		}
	}()

	ring := newRingBuffer(maxStreamBuffer)
	scanner := bufio.NewScanner(p.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxStreamBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		ring.WriteString(line + "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parser.parseLine(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("stream read ended", "bin", bin, "error", err)
	}

	waitErr := p.Wait()
	close(watchDone)

	res.DurationMs = time.Since(start).Milliseconds()
	parser.finalize(&res)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Success = false
		res.IsTimeout = true
		if res.Error == "" {
			res.Error = fmt.Sprintf("timed out after %ds", opts.TimeoutSec)
		}
		return res
	}

	if waitErr != nil {
		res.Success = false
		if res.Error == "" {
			tail := strings.TrimSpace(ring.String())
			if len(tail) > 500 {
				tail = tail[len(tail)-500:]
			}
			res.Error = fmt.Sprintf("%s exited: %v: %s", bin, waitErr, tail)
		}
		return res
	}

	if res.Error == "" {
		res.Success = true
	}
	return res
}
