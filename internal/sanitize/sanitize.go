// Package sanitize masks sensitive header and text values before anything is
// persisted or logged. Every persistence path (DLQ, both outboxes) and every
// error message routed to storage must pass through this package.
package sanitize

import (
	"regexp"
	"strings"
)

// Mask replaces forbidden values wherever they are stored or rendered.
const Mask = "***"

// forbiddenKeys lists header/field names that must never be stored raw.
// Extend when new integrations introduce new credential headers.
var forbiddenKeys = map[string]struct{}{
	"authorization":   {},
	"cookie":          {},
	"set-cookie":      {},
	"x-authorization": {},
	"x-auth-token":    {},
	"x-access-token":  {},
	"x-api-key":       {},
	"access_token":    {},
	"refresh_token":   {},
	"client_secret":   {},
}

var (
	bearerPattern   = regexp.MustCompile(`(?i)bearer\s+\S+`)
	keyValuePattern = regexp.MustCompile(`(?i)(client_secret|access_token|refresh_token)\s*=\s*[^\s&]+`)
	whitespaceRuns  = regexp.MustCompile(`[\r\n\t]+`)
)

// Headers returns a new map with sensitive values masked. Keys are preserved;
// values of forbidden keys become the mask, all other values go through the
// Text heuristics.
func Headers(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == "" {
			continue
		}
		if _, forbidden := forbiddenKeys[strings.ToLower(strings.TrimSpace(k))]; forbidden {
			out[k] = Mask
			continue
		}
		out[k] = Text(v)
	}
	return out
}

// Text masks token-shaped substrings in free text (error messages, diagnostic
// strings) and collapses newlines so messages stay single-line. The heuristics
// are intentionally narrow: payload bodies are business data and are not
// routed through here.
func Text(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	t := bearerPattern.ReplaceAllString(text, "Bearer "+Mask)
	t = keyValuePattern.ReplaceAllString(t, "$1="+Mask)
	t = whitespaceRuns.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Short sanitizes text and truncates it to max runes. Used for bounded
// error-code and error-message columns. Truncation lands on a rune
// boundary so the result stays valid UTF-8.
func Short(text string, max int) string {
	t := Text(text)
	if max <= 0 || len(t) <= max {
		return t
	}
	runes := []rune(t)
	if len(runes) <= max {
		return t
	}
	return string(runes[:max])
}
