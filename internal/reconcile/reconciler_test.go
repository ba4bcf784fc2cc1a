package reconcile

import (
	"testing"
	"time"

	"inkwell/sync/internal/state"
)

func seedStore(t *testing.T) *state.Store {
	t.Helper()
	store := state.NewStore("proj")
	ts := time.Unix(1700000100, 0).UTC()
	store.UpdateState(func(s *state.ProjectSnapshot) {
		s.Phases["draft"] = state.PhaseDocument{Content: "local draft", WordCount: 2}
		s.Phases["revise"] = state.PhaseDocument{Content: "untouched", WordCount: 1}
		s.Metadata.Title = "My Essay"
		s.ChatHistory = []state.ChatMessage{
			{ID: "m1", Role: state.RoleUser, Content: "hello", Timestamp: &ts, Status: state.StatusLoaded},
		}
	}, true)
	return store
}

func TestApplyMergesObjectKeysRecursively(t *testing.T) {
	store := seedStore(t)
	r := New(store)

	err := r.Apply(map[string]any{
		"phases": map[string]any{
			"draft": map[string]any{"content": "assistant suggestion"},
		},
		"metadata": map[string]any{"currentPhase": "draft"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := store.GetState()
	if got.Phases["draft"].Content != "assistant suggestion" {
		t.Errorf("draft = %+v", got.Phases["draft"])
	}
	if got.Phases["revise"].Content != "untouched" {
		t.Errorf("sibling phase disturbed: %+v", got.Phases["revise"])
	}
	if got.Metadata.Title != "My Essay" {
		t.Errorf("unmentioned metadata field lost: %q", got.Metadata.Title)
	}
	if got.Metadata.CurrentPhase != "draft" {
		t.Errorf("currentPhase = %q", got.Metadata.CurrentPhase)
	}
}

func TestApplyReplacesArraysWholesale(t *testing.T) {
	store := seedStore(t)
	store.UpdateState(func(s *state.ProjectSnapshot) {
		s.Plan.SectionOrder = []string{"a", "b", "c"}
	}, true)
	r := New(store)

	err := r.Apply(map[string]any{
		"plan": map[string]any{"sectionOrder": []any{"c", "a"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := store.GetState().Plan.SectionOrder
	if len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Errorf("sectionOrder = %v, want replaced wholesale", got)
	}
}

func TestApplyAppendsOnlyNewChatMessages(t *testing.T) {
	store := seedStore(t)
	r := New(store)

	err := r.Apply(map[string]any{
		"chatHistory": []any{
			// Same canonical identity as the existing m1, different id.
			map[string]any{"id": "srv-1", "role": "user", "content": "hello", "timestamp": float64(1700000100)},
			map[string]any{"id": "srv-2", "role": "assistant", "content": "hi there", "timestamp": float64(1700000200)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	chat := store.GetState().ChatHistory
	if len(chat) != 2 {
		t.Fatalf("chat = %d messages, want 2 (existing + one new)", len(chat))
	}
	if chat[0].ID != "m1" {
		t.Errorf("existing message replaced: %+v", chat[0])
	}
	if chat[1].Content != "hi there" || chat[1].Status != state.StatusLoaded {
		t.Errorf("appended message = %+v", chat[1])
	}
}

func TestApplyNeverReplacesChatWholesale(t *testing.T) {
	store := seedStore(t)
	r := New(store)

	// An update carrying an empty chat array must not clear local history.
	if err := r.Apply(map[string]any{"chatHistory": []any{}}); err != nil {
		t.Fatal(err)
	}
	if got := store.GetState().ChatHistory; len(got) != 1 {
		t.Errorf("chat = %d messages, want local history intact", len(got))
	}
}

func TestApplySkipsMalformedChatEntries(t *testing.T) {
	store := seedStore(t)
	r := New(store)

	err := r.Apply(map[string]any{
		"chatHistory": []any{
			"not an object",
			map[string]any{"role": "narrator", "content": "bad role"},
			map[string]any{"role": "user", "content": ""},
			map[string]any{"role": "assistant", "content": "kept", "timestamp": "2024-03-01 09:30:00"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	chat := store.GetState().ChatHistory
	if len(chat) != 2 {
		t.Fatalf("chat = %d messages, want 2", len(chat))
	}
	last := chat[1]
	if last.Content != "kept" || last.Timestamp == nil {
		t.Errorf("surviving entry = %+v", last)
	}
}

func TestApplyNotifiesStateChanged(t *testing.T) {
	store := seedStore(t)
	r := New(store)
	var changes int
	store.Subscribe(state.EventStateChanged, func(state.Event) { changes++ })

	if err := r.Apply(map[string]any{"metadata": map[string]any{"title": "New Title"}}); err != nil {
		t.Fatal(err)
	}
	if changes != 1 {
		t.Errorf("state_changed events = %d, want 1", changes)
	}
}

func TestApplyNormalizesPlanAfterMerge(t *testing.T) {
	store := seedStore(t)
	r := New(store)

	err := r.Apply(map[string]any{
		"plan": map[string]any{
			"ideas": []any{
				map[string]any{"id": "i1", "text": "x", "location": "placed-in-section", "sectionId": "missing"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ideas := store.GetState().Plan.Ideas
	if len(ideas) != 1 {
		t.Fatalf("ideas = %d, want 1", len(ideas))
	}
	if ideas[0].Location != state.IdeaUnplaced {
		t.Errorf("orphaned placement survived merge: %+v", ideas[0])
	}
}

func TestApplyJSONRejectsUnparseablePayload(t *testing.T) {
	store := seedStore(t)
	r := New(store)
	before := store.Version()

	if err := r.ApplyJSON([]byte(`{"phases": `)); err == nil {
		t.Fatal("expected decode error")
	}
	if store.Version() != before {
		t.Error("store changed by unparseable payload")
	}
}

func TestApplyEmptyUpdateIsNoop(t *testing.T) {
	store := seedStore(t)
	r := New(store)
	before := store.Version()

	if err := r.Apply(nil); err != nil {
		t.Fatal(err)
	}
	if store.Version() != before {
		t.Error("empty update bumped the store version")
	}
}

type fakeSink struct {
	ingested []state.ChatMessage
}

func (f *fakeSink) IngestRemote(msgs []state.ChatMessage) {
	f.ingested = append(f.ingested, msgs...)
}

func TestApplyRoutesChatThroughSink(t *testing.T) {
	store := seedStore(t)
	r := New(store)
	sink := &fakeSink{}
	r.SetChatSink(sink)

	err := r.Apply(map[string]any{
		"metadata": map[string]any{"currentPhase": "revise"},
		"chatHistory": []any{
			// Same canonical identity as the existing m1, different id.
			map[string]any{"id": "srv-1", "role": "user", "content": "hello", "timestamp": float64(1700000100)},
			map[string]any{"id": "srv-2", "role": "assistant", "content": "hi there", "timestamp": float64(1700000200)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(sink.ingested) != 1 || sink.ingested[0].Content != "hi there" {
		t.Fatalf("sink received %+v, want only the new entry", sink.ingested)
	}
	// With a sink set the timeline owner writes the chat projection; the
	// reconciler leaves the snapshot's history as it was.
	chat := store.GetState().ChatHistory
	if len(chat) != 1 || chat[0].ID != "m1" {
		t.Errorf("snapshot chat = %+v, want existing history untouched", chat)
	}
	if got := store.GetState().Metadata.CurrentPhase; got != "revise" {
		t.Errorf("currentPhase = %q, want merged alongside chat routing", got)
	}
}
