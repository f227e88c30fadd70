package queue

import (
	"net/url"
	"os"
	"strings"
)

// secretEnvPrefix marks environment variables whose values must never reach
// a chat channel (tokens the agent CLIs see in their environment).
const secretEnvPrefix = "RIKOCLAW_SECRET_"

// redactionFilter replaces known secret values in outgoing text with
// [REDACTED:VAR_NAME] placeholders. The dictionary is built once from
// RIKOCLAW_SECRET_* variables; both raw and URL-encoded variants are
// covered.
type redactionFilter struct {
	replacements map[string]string
}

func newRedactionFilter() *redactionFilter {
	rf := &redactionFilter{replacements: make(map[string]string)}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || !strings.HasPrefix(name, secretEnvPrefix) {
			continue
		}
		if len(value) < 4 {
			// Too short to redact safely; replacing it would mangle
			// unrelated text.
			continue
		}
		rf.replacements[value] = "[REDACTED:" + name + "]"
		if encoded := url.QueryEscape(value); encoded != value {
			rf.replacements[encoded] = "[REDACTED:" + name + ":urlencoded]"
		}
	}
	return rf
}

// redact scrubs all known secret values from s. With no secrets configured
// this is a passthrough.
func (rf *redactionFilter) redact(s string) string {
	if rf == nil || len(rf.replacements) == 0 {
		return s
	}
	for value, placeholder := range rf.replacements {
		s = strings.ReplaceAll(s, value, placeholder)
	}
	return s
}
