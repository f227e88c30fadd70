package queue

import (
	"fmt"
	"strings"

	"github.com/rkka02/rikoclaw/internal/restart"
)

// maxChunkLen is the per-message ceiling for chat replies, with headroom
// under common 2000-char transport limits.
const maxChunkLen = 1990

// composePrompt builds the effective prompt: a rotation handoff block when a
// fresh session has a pending summary, then the task prompt, then a terminal
// listing of staged input files.
func (m *Manager) composePrompt(task *Task, inputs []string) string {
	var b strings.Builder

	// A summary only applies when the previous session was rotated out and
	// this turn starts fresh.
	if task.SessionID == "" && m.store != nil {
		sum, err := m.store.ConsumeSummary(task.SessionUserID, task.ContextID, engineLabel(task.Engine))
		if err != nil {
			m.log.Warn("consume rotation summary", "task_key", task.TaskKey, "error", err)
		} else if sum != nil {
			b.WriteString("<session_rotation_context>\n")
			b.WriteString("The previous session hit its context limit and was rotated out. Handoff summary:\n\n")
			b.WriteString(strings.TrimSpace(sum.SummaryText))
			b.WriteString("\n</session_rotation_context>\n\n")
		}
	}

	b.WriteString(task.Prompt)

	if len(inputs) > 0 {
		b.WriteString("\n\n[Input Attachments]\n")
		b.WriteString("The user attached the following files, available at these paths:\n")
		for _, path := range inputs {
			b.WriteString("- " + path + "\n")
		}
	}
	return b.String()
}

// composeSystemPrompt appends the attachment bridge rules to the
// caller-supplied persona text.
func composeSystemPrompt(base string, ws *workspace) string {
	rules := fmt.Sprintf(`[Attachment Bridge Rules]
- Input files from the user are under: %s
- To send a file back to the user, write it under: %s (files there are delivered with the reply)
- To request an orchestrator restart, write a JSON object to %s in the output directory with fields: restart (bool), reason, resumePrompt, delaySec.`,
		ws.inputDir(), ws.outputDir(), restart.DirectiveFileName)

	if strings.TrimSpace(base) == "" {
		return rules
	}
	return strings.TrimRight(base, "\n") + "\n\n" + rules
}

// SplitMessage splits text into chunks of at most limit characters,
// preferring newline boundaries and keeping code fences balanced: a chunk
// that would close inside an open fence is re-fenced on both sides of the
// split.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	openFence := ""

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunk := cur.String()
		if openFence != "" {
			chunk = strings.TrimRight(chunk, "\n") + "\n```"
		}
		chunks = append(chunks, chunk)
		cur.Reset()
		if openFence != "" {
			cur.WriteString(openFence + "\n")
		}
	}

	for _, line := range strings.Split(text, "\n") {
		isFence := strings.HasPrefix(strings.TrimSpace(line), "```")

		// A single line beyond the limit is hard-split.
		for len(line) > limit {
			if cur.Len() > 0 {
				flush()
			}
			cur.WriteString(line[:limit])
			flush()
			line = line[limit:]
		}

		need := len(line)
		if cur.Len() > 0 {
			need += cur.Len() + 1
		}
		// Reserve room for a closing fence if one is or becomes open.
		if openFence != "" || isFence {
			need += 4
		}
		if need > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)

		if isFence {
			if openFence == "" {
				openFence = strings.TrimSpace(line)
			} else {
				openFence = ""
			}
		}
	}
	flush()
	return chunks
}
