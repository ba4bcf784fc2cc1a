// Package app wires the sync core together and exposes the operations the
// presentation layer consumes.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"inkwell/sync/internal/autosave"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/gateway"
	"inkwell/sync/internal/reconcile"
	"inkwell/sync/internal/revision"
	"inkwell/sync/internal/search"
	"inkwell/sync/internal/state"
	"inkwell/sync/internal/transcript"
	"inkwell/sync/internal/util"
)

// DraftStash is the autosave stash plus the recovery read used at startup.
type DraftStash interface {
	autosave.DraftStash
	Recover(ctx context.Context, projectID string) (*state.ProjectSnapshot, time.Time, error)
}

// Historian lists the local revision archive.
type Historian interface {
	History(projectID string, limit int) ([]revision.Entry, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexMessage(sessionID string, msg state.ChatMessage)
	IndexIdea(idea state.IdeaItem)
	DeleteMessage(id string)
}

type Service struct {
	cfg        config.Config
	gw         gateway.PersistenceGateway
	store      *state.Store
	scheduler  *autosave.Scheduler
	engine     *transcript.Engine
	reconciler *reconcile.Reconciler

	drafts   DraftStash
	archive  Historian
	searcher searchService
}

func New(cfg config.Config, gw gateway.PersistenceGateway) *Service {
	store := state.NewStore(cfg.ProjectID)
	scheduler := autosave.New(gw, store, cfg.AutosaveDebounce, cfg.AutosaveThrottle)
	engine := transcript.New(gw, store, cfg.SessionID, cfg.PageSize)

	s := &Service{
		cfg:        cfg,
		gw:         gw,
		store:      store,
		scheduler:  scheduler,
		engine:     engine,
		reconciler: reconcile.New(store),
	}

	// Cached snapshots may carry a chat projection; the engine adopts it
	// only until its own load starts, after which the remote log wins.
	store.Subscribe(state.EventStateChanged, func(event state.Event) {
		engine.HandleStateSync(event.Snapshot)
	})
	// Chat accepted from remote updates flows through the engine so it
	// survives the engine's next publish.
	s.reconciler.SetChatSink(engine)
	return s
}

func (s *Service) SetAssistant(client transcript.AssistantClient) {
	s.engine.SetAssistant(client)
}

func (s *Service) SetDraftStash(stash DraftStash) {
	s.drafts = stash
	s.scheduler.SetDraftStash(stash)
}

func (s *Service) SetArchiver(archive autosave.Archiver) {
	s.scheduler.SetArchiver(archive)
	if historian, ok := archive.(Historian); ok {
		s.archive = historian
	}
}

func (s *Service) SetSearch(searcher searchService) {
	s.searcher = searcher
	s.engine.SetIndexer(messageIndexer{searcher: searcher, sessionID: s.cfg.SessionID})
}

// RegisterProducer registers an external data-producing module consulted on
// every save.
func (s *Service) RegisterProducer(producer autosave.Producer) {
	s.scheduler.Register(producer)
}

// Bootstrap loads the remote snapshot (or starts a fresh project), recovers
// a newer stashed draft if one exists, loads the initial transcript page,
// and emits ready. The transcript load honors the configured timeout; it is
// the only abortable fetch.
func (s *Service) Bootstrap(ctx context.Context) error {
	snapshot, err := s.gw.LoadSnapshot(ctx, s.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if snapshot == nil {
		snapshot = state.NewProjectSnapshot(s.cfg.ProjectID)
	}
	snapshot.Plan.Normalize()

	// Bulk restore: one silent scope instead of a storm of intermediate
	// notifications.
	s.store.WithSilentUpdate(func() {
		s.store.SetState(snapshot, true)
	})

	if s.drafts != nil {
		draft, stashedAt, err := s.drafts.Recover(ctx, s.cfg.ProjectID)
		if err != nil {
			log.Printf("app: draft recovery: %v", err)
		} else if draft != nil && stashedAt.After(snapshot.Metadata.UpdatedAt) {
			log.Printf("app: recovering draft stashed at %s", stashedAt.Format(time.RFC3339))
			draft.Plan.Normalize()
			s.store.WithSilentUpdate(func() {
				s.store.SetState(draft, true)
			})
			s.scheduler.Schedule("draft-recovery", true)
		}
	}

	if s.searcher != nil {
		for _, idea := range s.store.GetState().Plan.Ideas {
			s.searcher.IndexIdea(idea)
		}
	}

	loadCtx := ctx
	if s.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, s.cfg.LoadTimeout)
		defer cancel()
	}
	if err := s.engine.LoadInitial(loadCtx, false); err != nil {
		// Surfaced through the transcript error event; the project itself
		// is usable and the chat surface offers a retry.
		log.Printf("app: initial transcript load: %v", err)
	}

	s.store.Notify(state.Event{Kind: state.EventReady, Snapshot: s.store.GetState()})
	return nil
}

// Subscribe registers a presentation-layer handler for one event kind.
func (s *Service) Subscribe(kind state.EventKind, handler state.Handler) {
	s.store.Subscribe(kind, handler)
}

// GetState returns a deep copy of the current project snapshot.
func (s *Service) GetState() *state.ProjectSnapshot {
	return s.store.GetState()
}

// GetMessages returns the current chat timeline.
func (s *Service) GetMessages() []state.ChatMessage {
	return s.engine.Messages()
}

// SendMessage adds an optimistic user message and persists it through the
// transcript channel.
func (s *Service) SendMessage(ctx context.Context, content string) (state.ChatMessage, error) {
	return s.engine.Send(ctx, content)
}

// RegenerateLastMessage replaces the most recent assistant reply.
func (s *Service) RegenerateLastMessage(ctx context.Context) (state.ChatMessage, error) {
	return s.engine.RegenerateLast(ctx)
}

// FetchOlderMessages pages backward through the history, returning only the
// newly revealed messages.
func (s *Service) FetchOlderMessages(ctx context.Context) ([]state.ChatMessage, error) {
	return s.engine.FetchOlder(ctx)
}

// RetryTranscriptLoad performs the full forced reload behind the chat
// surface's retry affordance.
func (s *Service) RetryTranscriptLoad(ctx context.Context) error {
	loadCtx := ctx
	if s.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, s.cfg.LoadTimeout)
		defer cancel()
	}
	return s.engine.LoadInitial(loadCtx, true)
}

// ScheduleAutoSave requests a debounced, throttled save.
func (s *Service) ScheduleAutoSave(reason string, force bool) {
	s.scheduler.Schedule(reason, force)
}

// SaveProject saves immediately, bypassing debounce and throttle but still
// coalescing with any in-flight save.
func (s *Service) SaveProject(ctx context.Context) error {
	return s.scheduler.Save(ctx, "manual")
}

// SetOnline records connectivity transitions from the host environment.
func (s *Service) SetOnline(online bool) {
	s.scheduler.SetOnline(online)
}

// ApplyUpdate folds a partial project update from the assistant service
// into the store.
func (s *Service) ApplyUpdate(update map[string]any) error {
	return s.reconciler.Apply(update)
}

// ApplyUpdateJSON decodes and applies a raw update payload.
func (s *Service) ApplyUpdateJSON(payload []byte) error {
	return s.reconciler.ApplyJSON(payload)
}

// UpdatePhase replaces one phase document's content, deriving its word
// count, and schedules an autosave.
func (s *Service) UpdatePhase(name, content string) {
	s.store.UpdateState(func(snapshot *state.ProjectSnapshot) {
		if snapshot.Phases == nil {
			snapshot.Phases = make(map[string]state.PhaseDocument)
		}
		snapshot.Phases[name] = state.PhaseDocument{
			Content:   content,
			WordCount: state.CountWords(content),
		}
		snapshot.Metadata.CurrentPhase = name
	}, false)
	s.scheduler.Schedule("phase-edit", false)
}

// AddIdea appends an unplaced idea to the plan and schedules an autosave.
func (s *Service) AddIdea(text string) state.IdeaItem {
	idea := state.IdeaItem{
		ID:       util.NewID("idea"),
		Text:     text,
		Location: state.IdeaUnplaced,
	}
	s.store.UpdateState(func(snapshot *state.ProjectSnapshot) {
		snapshot.Plan.Ideas = append(snapshot.Plan.Ideas, idea)
	}, false)
	if s.searcher != nil {
		s.searcher.IndexIdea(idea)
	}
	s.scheduler.Schedule("plan-edit", false)
	return idea
}

// PlaceIdea moves an idea into a section. Placement into an unknown section
// is repaired to unplaced by plan normalization at save time.
func (s *Service) PlaceIdea(ideaID, sectionID string) {
	s.store.UpdateState(func(snapshot *state.ProjectSnapshot) {
		for i, idea := range snapshot.Plan.Ideas {
			if idea.ID == ideaID {
				snapshot.Plan.Ideas[i].Location = state.IdeaPlaced
				snapshot.Plan.Ideas[i].SectionID = sectionID
				break
			}
		}
	}, false)
	s.scheduler.Schedule("plan-edit", false)
}

// Search queries the transcript and idea indexes.
func (s *Service) Search(q search.Query) search.Response {
	if s.searcher == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.searcher.Search(q)
}

// History lists local revision archive entries.
func (s *Service) History(limit int) ([]revision.Entry, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.History(s.cfg.ProjectID, limit)
}

// Close stops scheduling and makes one best-effort save with a bounded
// deadline. Single-flight still holds: if a save is already running this
// queues at most one rerun and returns.
func (s *Service) Close() error {
	s.scheduler.Stop()

	wait := s.cfg.ShutdownSaveWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := s.scheduler.Save(ctx, "shutdown"); err != nil {
		return fmt.Errorf("shutdown save: %w", err)
	}
	return nil
}

type messageIndexer struct {
	searcher  searchService
	sessionID string
}

func (i messageIndexer) IndexMessage(msg state.ChatMessage) {
	i.searcher.IndexMessage(i.sessionID, msg)
}
