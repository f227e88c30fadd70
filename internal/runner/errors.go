package runner

import "strings"

// Error classes the retry ladder acts on.
const (
	ErrClassAuth          = "auth"
	ErrClassRateLimit     = "rate_limit"
	ErrClassTransient     = "transient"
	ErrClassSessionResume = "session_resume"
	ErrClassOther         = "other"
)

var authPatterns = []string{
	"invalid api key",
	"authentication",
	"unauthorized",
	"not logged in",
	"please run /login",
	"oauth token has expired",
	"401",
}

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"usage limit reached",
	"quota exceeded",
	"429",
}

var transientPatterns = []string{
	"overloaded",
	"internal server error",
	"server_error",
	"bad gateway",
	"service unavailable",
	"connection reset",
	"connection refused",
	"500",
	"502",
	"503",
	"529",
}

// Resume failures include localized CLI output; the known non-English
// variants are matched verbatim.
var sessionResumePatterns = []string{
	"no conversation found",
	"session not found",
	"no session found with id",
	"unable to resume",
	"thread not found",
	"could not resume",
	"세션을 찾을 수 없",
	"대화를 찾을 수 없",
}

var maxTurnsPatterns = []string{
	"max turns",
	"max_turns",
	"maximum turns",
}

func matchesAny(msg string, patterns []string) bool {
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify buckets an error message for the retry ladder.
func Classify(msg string) string {
	if msg == "" {
		return ErrClassOther
	}
	switch {
	case matchesAny(msg, sessionResumePatterns):
		return ErrClassSessionResume
	case matchesAny(msg, authPatterns):
		return ErrClassAuth
	case matchesAny(msg, rateLimitPatterns):
		return ErrClassRateLimit
	case matchesAny(msg, transientPatterns):
		return ErrClassTransient
	default:
		return ErrClassOther
	}
}

// IsMaxTurnsError reports whether msg indicates a max-turns exhaustion.
func IsMaxTurnsError(msg string) bool {
	return matchesAny(msg, maxTurnsPatterns)
}

// IsTransient reports whether either the error or the output text carries a
// transient API failure pattern.
func IsTransient(errMsg, text string) bool {
	return matchesAny(errMsg, transientPatterns) || matchesAny(text, transientPatterns)
}

// HumanMessage maps an error class to the message shown to the user.
func HumanMessage(class string) string {
	switch class {
	case ErrClassAuth:
		return "Agent CLI authentication failed. Re-login on the host and try again."
	case ErrClassRateLimit:
		return "The agent is rate-limited right now. Wait a bit and retry."
	default:
		return ""
	}
}
