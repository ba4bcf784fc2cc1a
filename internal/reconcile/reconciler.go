// Package reconcile folds partial project updates coming back from the
// assistant service into the observable store without discarding
// concurrently made local edits.
package reconcile

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"inkwell/sync/internal/merge"
	"inkwell/sync/internal/state"
	"inkwell/sync/internal/transcript"
	"inkwell/sync/internal/util"
)

const chatHistoryKey = "chatHistory"

// ChatSink receives chat entries accepted from a remote update. When a sink
// is set, the transcript engine owns the timeline and accepted entries flow
// through it instead of being written to the snapshot directly, so they are
// not lost when the engine next publishes its own view.
type ChatSink interface {
	IngestRemote(msgs []state.ChatMessage)
}

type Reconciler struct {
	store *state.Store
	sink  ChatSink
}

func New(store *state.Store) *Reconciler {
	return &Reconciler{store: store}
}

func (r *Reconciler) SetChatSink(sink ChatSink) { r.sink = sink }

// ApplyJSON decodes a raw update payload and applies it. An unparseable
// payload is a serialization failure and leaves the store untouched.
func (r *Reconciler) ApplyJSON(payload []byte) error {
	var update map[string]any
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("decode project update: %w", err)
	}
	return r.Apply(update)
}

// Apply merges a partial project update into the current snapshot. The chat
// history key is handled apart: only entries whose canonical dedup key is
// new are accepted, so messages written concurrently by the transcript
// engine are never discarded by a wholesale replacement. Every other
// object-valued key merges recursively; arrays and primitives are replaced
// by the incoming value.
func (r *Reconciler) Apply(update map[string]any) error {
	if len(update) == 0 {
		return nil
	}

	rest := make(map[string]any, len(update))
	for key, value := range update {
		if key != chatHistoryKey {
			rest[key] = value
		}
	}
	chatUpdate, hasChat := update[chatHistoryKey].([]any)

	current := r.store.GetState()
	tree, err := current.ToMap()
	if err != nil {
		return err
	}
	// The merge must not touch the chat array: it is appended to below.
	delete(tree, chatHistoryKey)
	tree = merge.Deep(tree, rest)

	snapshot, err := state.SnapshotFromMap(tree)
	if err != nil {
		return err
	}
	snapshot.ChatHistory = current.ChatHistory

	var accepted []state.ChatMessage
	if hasChat {
		accepted = newMessages(snapshot.ChatHistory, chatUpdate)
		if r.sink == nil {
			snapshot.ChatHistory = append(snapshot.ChatHistory, accepted...)
		}
	}
	snapshot.Plan.Normalize()
	r.store.SetState(snapshot, false)

	if r.sink != nil && len(accepted) > 0 {
		r.sink.IngestRemote(accepted)
	}
	return nil
}

// newMessages returns the update entries whose canonical identity is not
// already present in the existing history, in update order. Malformed
// entries are skipped.
func newMessages(existing []state.ChatMessage, entries []any) []state.ChatMessage {
	known := make(map[string]struct{}, len(existing))
	for _, msg := range existing {
		known[transcript.MessageKey(msg)] = struct{}{}
	}

	var accepted []state.ChatMessage
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		role := state.Role(strings.ToLower(stringField(fields, "role")))
		content := stringField(fields, "content")
		if !role.Valid() || content == "" {
			log.Printf("reconcile: skipping malformed chat entry")
			continue
		}
		raw, err := json.Marshal(fields["timestamp"])
		if err != nil {
			raw = nil
		}
		timestamp := transcript.NormalizeTimestamp(raw)

		key := transcript.DedupKey(role, timestamp, content)
		if _, dup := known[key]; dup {
			continue
		}
		known[key] = struct{}{}

		id := stringField(fields, "id")
		if id == "" {
			id = util.NewID("msg")
		}
		accepted = append(accepted, state.ChatMessage{
			ID:        id,
			Role:      role,
			Content:   content,
			Timestamp: timestamp,
			Status:    state.StatusLoaded,
		})
	}
	return accepted
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}
