package mecho

import (
	"fmt"
	"strings"
)

// SanitizeModeID normalizes a caller-supplied mode key: trim, lowercase,
// strip anything outside [a-z0-9_-]. An empty result is an error.
func SanitizeModeID(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	id := b.String()
	if id == "" {
		return "", fmt.Errorf("%w: invalid mode id %q", ErrValidation, raw)
	}
	return id, nil
}
