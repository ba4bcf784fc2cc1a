package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inkwell/sync/internal/config"
	"inkwell/sync/internal/gateway"
	"inkwell/sync/internal/search"
	"inkwell/sync/internal/state"
)

type fakeGateway struct {
	mu         sync.Mutex
	loadFn     func(ctx context.Context, projectID string) (*state.ProjectSnapshot, error)
	loadPageFn func(ctx context.Context, limit int, before *time.Time, sessionID string) ([]gateway.MessageRecord, error)
	saves      int
	lastSaved  *state.ProjectSnapshot
}

func (f *fakeGateway) LoadSnapshot(ctx context.Context, projectID string) (*state.ProjectSnapshot, error) {
	if f.loadFn != nil {
		return f.loadFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeGateway) SaveSnapshot(ctx context.Context, snapshot *state.ProjectSnapshot) (gateway.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.lastSaved = snapshot.Clone()
	return gateway.SaveResult{Success: true}, nil
}

func (f *fakeGateway) AppendMessage(ctx context.Context, sessionID string, role state.Role, content string, timestamp time.Time) error {
	return nil
}

func (f *fakeGateway) LoadMessagePage(ctx context.Context, limit int, before *time.Time, sessionID string) ([]gateway.MessageRecord, error) {
	if f.loadPageFn != nil {
		return f.loadPageFn(ctx, limit, before, sessionID)
	}
	return nil, nil
}

func (f *fakeGateway) DeleteItem(ctx context.Context, itemID string) error { return nil }

func (f *fakeGateway) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeDraftStash struct {
	mu        sync.Mutex
	draft     *state.ProjectSnapshot
	stashedAt time.Time
	stashes   int
	discards  int
}

func (f *fakeDraftStash) Stash(ctx context.Context, snapshot *state.ProjectSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stashes++
	f.draft = snapshot.Clone()
	return nil
}

func (f *fakeDraftStash) Discard(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return nil
}

func (f *fakeDraftStash) Recover(ctx context.Context, projectID string) (*state.ProjectSnapshot, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draft, f.stashedAt, nil
}

func testConfig() config.Config {
	return config.Config{
		ProjectID:        "proj-1",
		SessionID:        "sess-1",
		AutosaveDebounce: 20 * time.Millisecond,
		AutosaveThrottle: 40 * time.Millisecond,
		PageSize:         50,
		LoadTimeout:      time.Second,
		ShutdownSaveWait: time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBootstrapStartsFreshProjectWhenAbsent(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	var ready int
	service.Subscribe(state.EventReady, func(state.Event) { ready++ })

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := service.GetState()
	if got.ID != "proj-1" {
		t.Errorf("project id = %q", got.ID)
	}
	if ready != 1 {
		t.Errorf("ready events = %d, want 1", ready)
	}
}

func TestBootstrapLoadsRemoteSnapshot(t *testing.T) {
	remote := state.NewProjectSnapshot("proj-1")
	remote.Phases["draft"] = state.PhaseDocument{Content: "remote words", WordCount: 2}
	gw := &fakeGateway{loadFn: func(context.Context, string) (*state.ProjectSnapshot, error) {
		return remote, nil
	}}
	service := New(testConfig(), gw)
	var changes int
	service.Subscribe(state.EventStateChanged, func(state.Event) { changes++ })

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := service.GetState().Phases["draft"].Content; got != "remote words" {
		t.Errorf("restored content = %q", got)
	}
	// The snapshot restore itself is silent; the only notification is the
	// transcript publish.
	if changes != 1 {
		t.Errorf("state_changed during bootstrap = %d, want 1", changes)
	}
}

func TestBootstrapFailsOnGatewayError(t *testing.T) {
	gw := &fakeGateway{loadFn: func(context.Context, string) (*state.ProjectSnapshot, error) {
		return nil, errors.New("gateway down")
	}}
	service := New(testConfig(), gw)

	if err := service.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected bootstrap error")
	}
}

func TestBootstrapRecoversNewerDraft(t *testing.T) {
	remote := state.NewProjectSnapshot("proj-1")
	remote.Metadata.UpdatedAt = time.Now().Add(-time.Hour)
	remote.Phases["draft"] = state.PhaseDocument{Content: "saved version"}
	gw := &fakeGateway{loadFn: func(context.Context, string) (*state.ProjectSnapshot, error) {
		return remote.Clone(), nil
	}}

	draft := remote.Clone()
	draft.Phases["draft"] = state.PhaseDocument{Content: "newer unsaved version"}
	stash := &fakeDraftStash{draft: draft, stashedAt: time.Now()}

	service := New(testConfig(), gw)
	service.SetDraftStash(stash)

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := service.GetState().Phases["draft"].Content; got != "newer unsaved version" {
		t.Errorf("content = %q, want the recovered draft", got)
	}
	// The recovered draft is pushed back to the gateway.
	waitFor(t, 2*time.Second, func() bool { return gw.saveCount() >= 1 })
}

func TestBootstrapIgnoresOlderDraft(t *testing.T) {
	remote := state.NewProjectSnapshot("proj-1")
	remote.Metadata.UpdatedAt = time.Now()
	remote.Phases["draft"] = state.PhaseDocument{Content: "saved version"}
	gw := &fakeGateway{loadFn: func(context.Context, string) (*state.ProjectSnapshot, error) {
		return remote.Clone(), nil
	}}

	draft := remote.Clone()
	draft.Phases["draft"] = state.PhaseDocument{Content: "stale draft"}
	stash := &fakeDraftStash{draft: draft, stashedAt: time.Now().Add(-time.Hour)}

	service := New(testConfig(), gw)
	service.SetDraftStash(stash)

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := service.GetState().Phases["draft"].Content; got != "saved version" {
		t.Errorf("content = %q, want the gateway copy", got)
	}
}

func TestBootstrapSurvivesTranscriptLoadFailure(t *testing.T) {
	gw := &fakeGateway{loadPageFn: func(context.Context, int, *time.Time, string) ([]gateway.MessageRecord, error) {
		return nil, errors.New("messages endpoint down")
	}}
	service := New(testConfig(), gw)
	var ready, transcriptErrs int
	service.Subscribe(state.EventReady, func(state.Event) { ready++ })
	service.Subscribe(state.EventTranscriptError, func(state.Event) { transcriptErrs++ })

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatalf("transcript failure must not fail bootstrap: %v", err)
	}
	if ready != 1 {
		t.Errorf("ready events = %d, want 1", ready)
	}
	if transcriptErrs == 0 {
		t.Error("expected a transcript_error event")
	}
}

func TestRetryTranscriptLoadAfterFailure(t *testing.T) {
	failing := true
	gw := &fakeGateway{loadPageFn: func(context.Context, int, *time.Time, string) ([]gateway.MessageRecord, error) {
		if failing {
			return nil, errors.New("down")
		}
		return []gateway.MessageRecord{{ID: "1", Role: "user", Content: "hi"}}, nil
	}}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	failing = false
	if err := service.RetryTranscriptLoad(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(service.GetMessages()); got != 1 {
		t.Errorf("messages after retry = %d, want 1", got)
	}
}

func TestSendMessageAppearsInTimelineAndStore(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg, err := service.SendMessage(context.Background(), "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Role != state.RoleUser || msg.Status != state.StatusSent {
		t.Errorf("sent message = %+v", msg)
	}

	timeline := service.GetMessages()
	if len(timeline) != 1 || timeline[0].Content != "hello there" {
		t.Errorf("timeline = %+v", timeline)
	}
	projection := service.GetState().ChatHistory
	if len(projection) != 1 {
		t.Errorf("store chat projection = %d messages, want 1", len(projection))
	}
}

func TestUpdatePhaseDerivesWordCountAndSchedulesSave(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	service.UpdatePhase("draft", "five words of new text")

	got := service.GetState()
	if got.Phases["draft"].WordCount != 5 {
		t.Errorf("word count = %d, want 5", got.Phases["draft"].WordCount)
	}
	if got.Metadata.CurrentPhase != "draft" {
		t.Errorf("current phase = %q", got.Metadata.CurrentPhase)
	}
	waitFor(t, 2*time.Second, func() bool { return gw.saveCount() == 1 })
}

func TestAddAndPlaceIdea(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	idea := service.AddIdea("open with a question")
	if idea.ID == "" || idea.Location != state.IdeaUnplaced {
		t.Fatalf("idea = %+v", idea)
	}

	// Place into a real section.
	service.ApplyUpdate(map[string]any{
		"plan": map[string]any{
			"sections": []any{map[string]any{"id": "sec-1", "title": "Intro"}},
		},
	})
	service.PlaceIdea(idea.ID, "sec-1")

	got := service.GetState().Plan
	if len(got.Ideas) != 1 {
		t.Fatalf("ideas = %d", len(got.Ideas))
	}
	if got.Ideas[0].Location != state.IdeaPlaced || got.Ideas[0].SectionID != "sec-1" {
		t.Errorf("placement = %+v", got.Ideas[0])
	}
}

func TestApplyUpdateAppendsAssistantMessage(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := service.ApplyUpdateJSON([]byte(`{
		"chatHistory": [{"role": "assistant", "content": "a suggestion", "timestamp": 1700000300}],
		"metadata": {"currentPhase": "revise"}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	got := service.GetState()
	if got.Metadata.CurrentPhase != "revise" {
		t.Errorf("currentPhase = %q", got.Metadata.CurrentPhase)
	}
	if len(got.ChatHistory) != 1 || got.ChatHistory[0].Content != "a suggestion" {
		t.Errorf("chat = %+v", got.ChatHistory)
	}
}

func TestApplyUpdateChatSurvivesLaterSend(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := service.ApplyUpdateJSON([]byte(`{
		"chatHistory": [{"role": "assistant", "content": "a suggestion", "timestamp": 1700000300}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := service.SendMessage(context.Background(), "typed afterwards"); err != nil {
		t.Fatal(err)
	}

	// Both the assistant entry and the later local send must be present in
	// the timeline and in the store's chat projection.
	for _, chat := range [][]state.ChatMessage{service.GetMessages(), service.GetState().ChatHistory} {
		if len(chat) != 2 {
			t.Fatalf("chat = %d messages, want 2: %+v", len(chat), chat)
		}
		contents := map[string]bool{}
		for _, msg := range chat {
			contents[msg.Content] = true
		}
		if !contents["a suggestion"] || !contents["typed afterwards"] {
			t.Errorf("chat = %+v, want both messages", chat)
		}
	}
}

func TestSaveProjectStripsChatFromPayload(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := service.SendMessage(context.Background(), "keep me local"); err != nil {
		t.Fatal(err)
	}

	if err := service.SaveProject(context.Background()); err != nil {
		t.Fatal(err)
	}

	gw.mu.Lock()
	saved := gw.lastSaved
	gw.mu.Unlock()
	if saved == nil {
		t.Fatal("nothing saved")
	}
	if len(saved.ChatHistory) != 0 {
		t.Errorf("saved payload carries %d chat messages, want 0", len(saved.ChatHistory))
	}
	if len(service.GetState().ChatHistory) != 1 {
		t.Error("local chat lost after save")
	}
}

func TestCloseMakesFinalSave(t *testing.T) {
	gw := &fakeGateway{}
	service := New(testConfig(), gw)
	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := service.Close(); err != nil {
		t.Fatal(err)
	}
	if got := gw.saveCount(); got != 1 {
		t.Errorf("saves on close = %d, want 1", got)
	}
}

func TestSearchWithoutBackendIsEmpty(t *testing.T) {
	service := New(testConfig(), &fakeGateway{})

	resp := service.Search(search.Query{Text: "anything"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("resp = %+v, want empty non-nil results", resp)
	}
}

func TestHistoryWithoutArchiveIsEmpty(t *testing.T) {
	service := New(testConfig(), &fakeGateway{})

	entries, err := service.History(10)
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("entries = %+v, want nil", entries)
	}
}
