// Package envelope defines the normalized inbound message model shared by every channel.
package envelope

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Kind distinguishes inbound events from commands.
type Kind string

const (
	// KindEvent marks a domain or integration event.
	KindEvent Kind = "EVENT"
	// KindCommand marks a request to perform an action.
	KindCommand Kind = "COMMAND"
)

// ParseKind normalizes a raw kind string. Unknown values map to an empty Kind.
func ParseKind(raw string) Kind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(KindEvent):
		return KindEvent
	case string(KindCommand):
		return KindCommand
	default:
		return ""
	}
}

// Envelope is the single normalized inbound unit. Every channel (REST, queue,
// WebSocket, poller) must reduce its input to this contract before handing it
// to the pipeline. Treat a constructed Envelope as immutable.
type Envelope struct {
	Kind          Kind              `json:"kind"`
	Type          string            `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	BranchID      string            `json:"branchId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	SourceMeta    map[string]any    `json:"sourceMeta,omitempty"`
}

// Header returns the first header value matching name case-insensitively,
// trimmed, or "" when absent or blank.
func (e Envelope) Header(name string) string {
	if len(e.Headers) == 0 || name == "" {
		return ""
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SourceMetaString returns a sourceMeta value rendered as a trimmed string,
// or "" when the key is absent.
func (e Envelope) SourceMetaString(key string) string {
	if len(e.SourceMeta) == 0 {
		return ""
	}
	v, ok := e.SourceMeta[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}

// IsDlqReplay reports whether the envelope originated from a DLQ replay.
// Replays must never create a second DLQ record.
func (e Envelope) IsDlqReplay() bool {
	if len(e.SourceMeta) == 0 {
		return false
	}
	v, ok := e.SourceMeta["dlqReplayId"]
	return ok && v != nil
}

// Validate checks the minimal contract every channel must satisfy.
func (e Envelope) Validate() error {
	if e.Kind != KindEvent && e.Kind != KindCommand {
		return errInvalidKind
	}
	if strings.TrimSpace(e.Type) == "" {
		return errMissingType
	}
	return nil
}
