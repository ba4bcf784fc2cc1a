// Package transcript owns the authoritative in-memory ordering of chat
// messages. It reconciles three input sources - optimistic local sends,
// paginated history loads, and regenerated assistant replies - into one
// ordered, duplicate-free timeline. Once the initial load completes, the
// remote log is the source of truth and cached store state is ignored.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"inkwell/sync/internal/gateway"
	"inkwell/sync/internal/state"
	"inkwell/sync/internal/util"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrInvalidRole  = errors.New("message role must be user or assistant")
	ErrNoAssistant  = errors.New("no assistant configured")
	ErrNotFound     = errors.New("message not found")
	ErrNoPrompt     = errors.New("no preceding user message to regenerate from")
)

// AssistantClient produces a fresh assistant reply for a user prompt.
type AssistantClient interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

// Indexer receives accepted messages for search indexing (fire-and-forget).
type Indexer interface {
	IndexMessage(state.ChatMessage)
}

type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateLoaded
)

// defaultRecencyWindow guards against double-submit: an equal-content,
// same-role message inside this window is dropped even when its dedup key
// differs (no server id assigned yet).
const defaultRecencyWindow = 2 * time.Second

type Engine struct {
	gw        gateway.PersistenceGateway
	store     *state.Store
	assistant AssistantClient
	indexer   Indexer
	sessionID string
	pageSize  int
	window    time.Duration
	now       func() time.Time

	mu            sync.Mutex
	phase         loadState
	fetchingOlder bool
	hasMore       bool
	oldestLoaded  *time.Time
	messages      []state.ChatMessage
	keys          map[string]struct{}
	recent        map[string]time.Time
}

func New(gw gateway.PersistenceGateway, store *state.Store, sessionID string, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		gw:        gw,
		store:     store,
		sessionID: sessionID,
		pageSize:  pageSize,
		window:    defaultRecencyWindow,
		now:       time.Now,
		keys:      make(map[string]struct{}),
		recent:    make(map[string]time.Time),
	}
}

func (e *Engine) SetAssistant(client AssistantClient) { e.assistant = client }
func (e *Engine) SetIndexer(indexer Indexer)          { e.indexer = indexer }

// Messages returns a copy of the current timeline.
func (e *Engine) Messages() []state.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.messages)
}

func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == stateLoaded
}

// HandleStateSync adopts the chat projection from a store snapshot, but only
// before the initial load has started. Once a load is in progress or done,
// the remote log is authoritative and stale cached snapshots must not
// overwrite freshly fetched history.
func (e *Engine) HandleStateSync(snapshot *state.ProjectSnapshot) {
	if snapshot == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != stateUnloaded {
		return
	}
	e.messages = cloneMessages(snapshot.ChatHistory)
	e.keys = make(map[string]struct{}, len(e.messages))
	for _, msg := range e.messages {
		e.keys[MessageKey(msg)] = struct{}{}
	}
}

// LoadInitial fetches the newest history page. It is an idempotent no-op
// while loading or once loaded; force clears all local transcript state and
// reloads. Only this operation honors a caller-supplied timeout context.
func (e *Engine) LoadInitial(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.phase == stateLoading || (e.phase == stateLoaded && !force) {
		e.mu.Unlock()
		return nil
	}
	if force {
		e.resetLocked()
	}
	e.phase = stateLoading
	e.mu.Unlock()

	records, err := e.gw.LoadMessagePage(ctx, e.pageSize, nil, e.sessionID)
	if err == nil && len(records) == 0 && e.sessionID != "" {
		// Histories written before session segmentation carry no session id.
		records, err = e.gw.LoadMessagePage(ctx, e.pageSize, nil, "")
	}
	if err != nil {
		e.mu.Lock()
		e.phase = stateUnloaded
		e.mu.Unlock()
		e.notifyError(err)
		return fmt.Errorf("load transcript: %w", err)
	}

	batch := normalizeRecords(records)
	sortMessages(batch)

	e.mu.Lock()
	var pending []state.ChatMessage
	for _, msg := range e.messages {
		if msg.Status == state.StatusSent {
			pending = append(pending, msg)
		}
	}
	e.keys = make(map[string]struct{}, len(batch))
	e.messages = e.messages[:0]
	for _, msg := range batch {
		key := MessageKey(msg)
		if _, dup := e.keys[key]; dup {
			continue
		}
		e.keys[key] = struct{}{}
		e.messages = append(e.messages, msg)
	}
	// Optimistic sends made while the load was in flight survive the
	// replacement unless the loaded page already contains them.
	for _, msg := range pending {
		key := MessageKey(msg)
		if _, dup := e.keys[key]; dup {
			continue
		}
		e.keys[key] = struct{}{}
		e.messages = append(e.messages, msg)
	}
	sortMessages(e.messages)
	e.hasMore = len(records) >= e.pageSize
	e.oldestLoaded = oldestTimestamp(e.messages)
	e.phase = stateLoaded
	view := cloneMessages(e.messages)
	e.mu.Unlock()

	e.publish(view, false)
	return nil
}

// FetchOlder loads one page strictly older than the current oldest loaded
// timestamp and returns only the newly revealed messages, already ordered,
// for prepending at the head of the view. It is serialized by its own
// in-flight guard and a no-op once the history is exhausted.
func (e *Engine) FetchOlder(ctx context.Context) ([]state.ChatMessage, error) {
	e.mu.Lock()
	if e.phase != stateLoaded || e.fetchingOlder || !e.hasMore {
		e.mu.Unlock()
		return nil, nil
	}
	if e.oldestLoaded == nil {
		// Nothing loaded carries a timestamp, so there is no cursor to page
		// from.
		e.hasMore = false
		e.mu.Unlock()
		return nil, nil
	}
	e.fetchingOlder = true
	before := *e.oldestLoaded
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.fetchingOlder = false
		e.mu.Unlock()
	}()

	records, err := e.gw.LoadMessagePage(ctx, e.pageSize, &before, e.sessionID)
	if err != nil {
		e.notifyError(err)
		return nil, fmt.Errorf("fetch older messages: %w", err)
	}
	if len(records) == 0 {
		e.mu.Lock()
		e.hasMore = false
		e.mu.Unlock()
		return nil, nil
	}

	batch := normalizeRecords(records)
	sortMessages(batch)

	e.mu.Lock()
	fresh := make([]state.ChatMessage, 0, len(batch))
	for _, msg := range batch {
		key := MessageKey(msg)
		if _, dup := e.keys[key]; dup {
			continue
		}
		e.keys[key] = struct{}{}
		fresh = append(fresh, msg)
	}
	// Undated messages sort before any dated page, so a plain prepend of
	// the older batch could leave them out of place. Sorting restores the
	// canonical order.
	e.messages = append(e.messages, fresh...)
	sortMessages(e.messages)
	if oldest := oldestTimestamp(e.messages); oldest != nil {
		e.oldestLoaded = oldest
	}
	view := cloneMessages(e.messages)
	e.mu.Unlock()

	// Silent: already-visible messages must not re-render; the caller
	// prepends the returned batch itself.
	e.publish(view, true)
	return fresh, nil
}

// AddMessage validates and inserts a message. It reports false when the
// message is a duplicate (dedup key already present, or an equal-content
// same-role message inside the recency window) - duplicates are resolved,
// not surfaced as errors. Messages that are not rehydrated history are
// persisted through the gateway append; an append failure is surfaced as a
// transcript error event but never rolls back the local insertion.
func (e *Engine) AddMessage(ctx context.Context, msg state.ChatMessage) (bool, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return false, ErrEmptyContent
	}
	if !msg.Role.Valid() {
		return false, ErrInvalidRole
	}
	if msg.ID == "" {
		msg.ID = util.NewID("msg")
	}
	if msg.Status == "" {
		msg.Status = state.StatusSent
	}

	key := MessageKey(msg)
	recencyKey := string(msg.Role) + "|" + msg.Content
	now := e.now()

	e.mu.Lock()
	if _, dup := e.keys[key]; dup {
		e.mu.Unlock()
		return false, nil
	}
	if last, seen := e.recent[recencyKey]; seen && now.Sub(last) < e.window {
		e.mu.Unlock()
		return false, nil
	}
	e.keys[key] = struct{}{}
	e.recent[recencyKey] = now
	e.messages = append(e.messages, msg)
	sortMessages(e.messages)
	view := cloneMessages(e.messages)
	e.mu.Unlock()

	e.publish(view, false)
	if e.indexer != nil {
		e.indexer.IndexMessage(msg)
	}

	if msg.Status != state.StatusLoaded {
		ts := now
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		if err := e.gw.AppendMessage(ctx, e.sessionID, msg.Role, msg.Content, ts); err != nil {
			log.Printf("transcript: append message: %v", err)
			e.notifyError(err)
		}
	}
	return true, nil
}

// IngestRemote folds chat entries accepted from a structured remote update
// into the timeline, so they survive later publishes. Entries whose identity
// the engine has already seen (optimistic sends, loaded pages) are dropped;
// nothing ingested here is re-persisted through the gateway.
func (e *Engine) IngestRemote(msgs []state.ChatMessage) {
	e.mu.Lock()
	var added []state.ChatMessage
	for _, msg := range msgs {
		key := MessageKey(msg)
		if _, dup := e.keys[key]; dup {
			continue
		}
		if msg.Status == "" {
			msg.Status = state.StatusLoaded
		}
		e.keys[key] = struct{}{}
		e.messages = append(e.messages, msg)
		added = append(added, msg)
	}
	if len(added) == 0 {
		e.mu.Unlock()
		return
	}
	sortMessages(e.messages)
	view := cloneMessages(e.messages)
	e.mu.Unlock()

	e.publish(view, false)
	if e.indexer != nil {
		for _, msg := range added {
			e.indexer.IndexMessage(msg)
		}
	}
}

// Send creates an optimistic user message and adds it to the timeline.
func (e *Engine) Send(ctx context.Context, content string) (state.ChatMessage, error) {
	now := e.now()
	msg := state.ChatMessage{
		ID:        util.NewID("msg"),
		Role:      state.RoleUser,
		Content:   content,
		Timestamp: &now,
		Status:    state.StatusSent,
	}
	if _, err := e.AddMessage(ctx, msg); err != nil {
		return state.ChatMessage{}, err
	}
	return msg, nil
}

// Regenerate removes an assistant message, asks the assistant to answer the
// immediately preceding user prompt again, and adds the new reply. The
// remote delete of the removed message is best-effort only.
func (e *Engine) Regenerate(ctx context.Context, messageID string) (state.ChatMessage, error) {
	if e.assistant == nil {
		return state.ChatMessage{}, ErrNoAssistant
	}

	e.mu.Lock()
	index := -1
	for i, msg := range e.messages {
		if msg.ID == messageID && msg.Role == state.RoleAssistant {
			index = i
			break
		}
	}
	if index < 0 {
		e.mu.Unlock()
		return state.ChatMessage{}, ErrNotFound
	}
	var prompt string
	for i := index - 1; i >= 0; i-- {
		if e.messages[i].Role == state.RoleUser {
			prompt = e.messages[i].Content
			break
		}
	}
	if prompt == "" {
		e.mu.Unlock()
		return state.ChatMessage{}, ErrNoPrompt
	}
	removed := e.messages[index]
	delete(e.keys, MessageKey(removed))
	delete(e.recent, string(removed.Role)+"|"+removed.Content)
	e.messages = append(e.messages[:index], e.messages[index+1:]...)
	view := cloneMessages(e.messages)
	e.mu.Unlock()

	e.publish(view, false)
	if err := e.gw.DeleteItem(ctx, removed.ID); err != nil {
		log.Printf("transcript: delete regenerated message %s: %v", removed.ID, err)
	}

	reply, err := e.assistant.Reply(ctx, prompt)
	if err != nil {
		e.notifyError(err)
		return state.ChatMessage{}, fmt.Errorf("regenerate reply: %w", err)
	}

	now := e.now()
	msg := state.ChatMessage{
		ID:        util.NewID("msg"),
		Role:      state.RoleAssistant,
		Content:   reply,
		Timestamp: &now,
		Status:    state.StatusSent,
	}
	if _, err := e.AddMessage(ctx, msg); err != nil {
		return state.ChatMessage{}, err
	}
	return msg, nil
}

// RegenerateLast regenerates the most recent assistant message.
func (e *Engine) RegenerateLast(ctx context.Context) (state.ChatMessage, error) {
	e.mu.Lock()
	var targetID string
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == state.RoleAssistant {
			targetID = e.messages[i].ID
			break
		}
	}
	e.mu.Unlock()
	if targetID == "" {
		return state.ChatMessage{}, ErrNotFound
	}
	return e.Regenerate(ctx, targetID)
}

func (e *Engine) resetLocked() {
	e.phase = stateUnloaded
	e.fetchingOlder = false
	e.hasMore = false
	e.oldestLoaded = nil
	e.messages = nil
	e.keys = make(map[string]struct{})
	e.recent = make(map[string]time.Time)
}

func (e *Engine) publish(view []state.ChatMessage, silent bool) {
	e.store.UpdateState(func(s *state.ProjectSnapshot) {
		s.ChatHistory = view
	}, silent)
}

func (e *Engine) notifyError(err error) {
	e.store.Notify(state.Event{Kind: state.EventTranscriptError, Err: err})
}

func normalizeRecords(records []gateway.MessageRecord) []state.ChatMessage {
	out := make([]state.ChatMessage, 0, len(records))
	for _, record := range records {
		role := state.Role(strings.ToLower(strings.TrimSpace(record.Role)))
		if !role.Valid() {
			log.Printf("transcript: dropping record %s with role %q", record.ID, record.Role)
			continue
		}
		out = append(out, state.ChatMessage{
			ID:        record.ID,
			Role:      role,
			Content:   record.Content,
			Timestamp: NormalizeTimestamp(record.Timestamp),
			Status:    state.StatusLoaded,
		})
	}
	return out
}

// sortMessages orders ascending by timestamp (absent timestamps first, as
// epoch), ties broken by ascending numeric id.
func sortMessages(messages []state.ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		ti := timestampOrZero(messages[i])
		tj := timestampOrZero(messages[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idLess(messages[i].ID, messages[j].ID)
	})
}

func timestampOrZero(m state.ChatMessage) time.Time {
	if m.Timestamp == nil {
		return time.Time{}
	}
	return *m.Timestamp
}

func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(strings.TrimPrefix(a, "msg_"), 10, 64)
	nb, errB := strconv.ParseInt(strings.TrimPrefix(b, "msg_"), 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	if errA == nil {
		return true
	}
	if errB == nil {
		return false
	}
	return a < b
}

func oldestTimestamp(messages []state.ChatMessage) *time.Time {
	var oldest *time.Time
	for _, msg := range messages {
		if msg.Timestamp == nil {
			continue
		}
		if oldest == nil || msg.Timestamp.Before(*oldest) {
			ts := *msg.Timestamp
			oldest = &ts
		}
	}
	return oldest
}

func cloneMessages(messages []state.ChatMessage) []state.ChatMessage {
	out := make([]state.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Clone())
	}
	return out
}
