package transcript

import (
	"time"

	"inkwell/sync/internal/state"
)

// DedupKey is the canonical identity of a chat message: role, normalized
// timestamp (the literal "epoch" when absent), and content. Identity is
// deliberately not the id - ids are client-generated before a message is
// persisted and remapped afterward. Both the transcript engine and the
// update reconciler dedup through this one function.
func DedupKey(role state.Role, timestamp *time.Time, content string) string {
	ts := "epoch"
	if timestamp != nil {
		ts = timestamp.UTC().Format(time.RFC3339)
	}
	return string(role) + "|" + ts + "|" + content
}

// MessageKey is DedupKey applied to a message.
func MessageKey(m state.ChatMessage) string {
	return DedupKey(m.Role, m.Timestamp, m.Content)
}
