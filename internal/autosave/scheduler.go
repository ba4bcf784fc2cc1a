// Package autosave decides when the project snapshot is persisted. It
// balances responsiveness (short idle debounce), server load (hard throttle
// per successful save), connectivity (offline pending + resume), and
// correctness (single in-flight save with exactly one queued rerun).
package autosave

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"inkwell/sync/internal/gateway"
	"inkwell/sync/internal/merge"
	"inkwell/sync/internal/state"
)

// Producer is an external data-producing module (an editor phase, the
// planner) asked for its latest sub-documents at collection time. The patch
// is keyed by top-level snapshot field; the chat history never travels this
// path.
type Producer interface {
	Name() string
	Collect() map[string]any
}

// DraftStash receives the collected snapshot when a save fails or cannot be
// attempted, so unsaved work survives a crash.
type DraftStash interface {
	Stash(ctx context.Context, snapshot *state.ProjectSnapshot) error
	Discard(ctx context.Context, projectID string) error
}

// Archiver records a successfully saved snapshot in the local revision
// history.
type Archiver interface {
	Commit(snapshot *state.ProjectSnapshot, reason string) error
}

type Scheduler struct {
	gw    gateway.PersistenceGateway
	store *state.Store

	debounce    time.Duration
	throttle    time.Duration
	saveTimeout time.Duration
	now         func() time.Time

	drafts  DraftStash
	archive Archiver

	mu             sync.Mutex
	producers      []Producer
	online         bool
	pendingOffline bool
	pendingReason  string
	timer          *time.Timer
	isSaving       bool
	saveQueued     bool
	lastSaveAt     time.Time
}

func New(gw gateway.PersistenceGateway, store *state.Store, debounce, throttle time.Duration) *Scheduler {
	if debounce <= 0 {
		debounce = time.Second
	}
	if throttle <= 0 {
		throttle = 30 * time.Second
	}
	return &Scheduler{
		gw:          gw,
		store:       store,
		debounce:    debounce,
		throttle:    throttle,
		saveTimeout: 30 * time.Second,
		now:         time.Now,
		online:      true,
	}
}

func (s *Scheduler) SetDraftStash(stash DraftStash) { s.drafts = stash }
func (s *Scheduler) SetArchiver(archive Archiver)   { s.archive = archive }

// Register adds a snapshot producer consulted on every save.
func (s *Scheduler) Register(producer Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers = append(s.producers, producer)
}

// Schedule requests a save. Bursts collapse into one timer (each call
// resets the pending debounce); unless force is set, the save is also held
// back until the throttle window since the last successful save has passed.
// While offline the request is marked pending and no timer runs.
func (s *Scheduler) Schedule(reason string, force bool) {
	s.mu.Lock()
	if !s.online {
		s.pendingOffline = true
		s.pendingReason = reason
		s.mu.Unlock()
		s.store.Notify(state.Event{Kind: state.EventAutosaveOffline, Reason: reason})
		return
	}

	delay := s.debounce
	if !force && !s.lastSaveAt.IsZero() {
		if remaining := s.throttle - s.now().Sub(s.lastSaveAt); remaining > delay {
			delay = remaining
		}
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.Save(ctx, reason); err != nil {
			log.Printf("autosave: scheduled save (%s): %v", reason, err)
		}
	})
	s.mu.Unlock()

	s.store.Notify(state.Event{Kind: state.EventAutosaveScheduled, Reason: reason})
}

// SetOnline records connectivity. On the offline-to-online transition a
// pending request is scheduled immediately, bypassing the throttle.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	resume := online && !wasOnline && s.pendingOffline
	reason := s.pendingReason
	if resume {
		s.pendingOffline = false
		s.pendingReason = ""
	}
	s.mu.Unlock()

	if resume {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
			defer cancel()
			if err := s.Save(ctx, reason); err != nil {
				log.Printf("autosave: resumed save (%s): %v", reason, err)
			}
		}()
	}
}

// Stop cancels any pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Save persists the collected snapshot now, bypassing debounce and throttle
// but still honoring single-flight: a call arriving while a save is in
// flight sets the queued flag, returns optimistically, and exactly one
// follow-up save runs after the in-flight one completes.
func (s *Scheduler) Save(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.isSaving {
		s.saveQueued = true
		s.mu.Unlock()
		return nil
	}
	s.isSaving = true
	s.mu.Unlock()

	err := s.saveOnce(ctx, reason)

	s.mu.Lock()
	s.isSaving = false
	rerun := s.saveQueued
	s.saveQueued = false
	s.mu.Unlock()

	if rerun {
		go func() {
			rerunCtx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
			defer cancel()
			if err := s.Save(rerunCtx, reason+"-rerun"); err != nil {
				log.Printf("autosave: queued rerun (%s): %v", reason, err)
			}
		}()
	}
	return err
}

func (s *Scheduler) saveOnce(ctx context.Context, reason string) error {
	s.store.Notify(state.Event{Kind: state.EventAutosaveSaving, Reason: reason})

	collected, err := s.collect()
	if err != nil {
		s.store.Notify(state.Event{Kind: state.EventAutosaveError, Reason: reason, Err: err})
		return err
	}

	// Keep the store identical to what is about to be persisted, without
	// triggering a render for a save-side mutation.
	s.store.SetState(collected, true)

	saved := collected.Clone()
	saved.ChatHistory = nil

	result, err := s.gw.SaveSnapshot(ctx, saved)
	if err != nil {
		s.stashDraft(collected)
		s.store.Notify(state.Event{Kind: state.EventAutosaveError, Reason: reason, Err: err})
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSaveAt = s.now()
	s.mu.Unlock()

	if len(result.IDMappings) > 0 {
		s.applyIDMappings(result.IDMappings)
	}
	if s.archive != nil {
		if err := s.archive.Commit(saved, reason); err != nil {
			log.Printf("autosave: revision commit: %v", err)
		}
	}
	if s.drafts != nil {
		discardCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.drafts.Discard(discardCtx, saved.ID); err != nil {
			log.Printf("autosave: discard draft: %v", err)
		}
		cancel()
	}

	current := s.store.GetState()
	s.store.Notify(state.Event{Kind: state.EventSaved, Snapshot: current, Reason: reason})
	s.store.Notify(state.Event{Kind: state.EventAutosaveSaved, Snapshot: current, Reason: reason})
	return nil
}

// collect asks every registered producer for its latest sub-documents and
// merges them over the current snapshot: top level per-key, nested
// sub-documents spread key-wise with primitives replaced. The chat history
// is excluded - it is persisted through the transcript engine's own channel.
func (s *Scheduler) collect() (*state.ProjectSnapshot, error) {
	current := s.store.GetState()
	tree, err := current.ToMap()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	producers := append([]Producer(nil), s.producers...)
	s.mu.Unlock()

	for _, producer := range producers {
		patch := producer.Collect()
		if patch == nil {
			continue
		}
		delete(patch, "chatHistory")
		tree = merge.Spread(tree, patch)
	}

	merged, err := state.SnapshotFromMap(tree)
	if err != nil {
		return nil, err
	}
	merged.ChatHistory = current.ChatHistory
	merged.Metadata.UpdatedAt = s.now()
	merged.Plan.Normalize()
	return merged, nil
}

// applyIDMappings rewrites transient client ids to the stable server ids
// assigned during the save, so future saves reference stable identifiers.
func (s *Scheduler) applyIDMappings(mappings map[string]string) {
	s.store.UpdateState(func(snapshot *state.ProjectSnapshot) {
		for i, idea := range snapshot.Plan.Ideas {
			if mapped, ok := mappings[idea.ID]; ok {
				snapshot.Plan.Ideas[i].ID = mapped
			}
		}
		for i, section := range snapshot.Plan.Sections {
			if mapped, ok := mappings[section.ID]; ok {
				snapshot.Plan.Sections[i].ID = mapped
			}
		}
		for i, id := range snapshot.Plan.SectionOrder {
			if mapped, ok := mappings[id]; ok {
				snapshot.Plan.SectionOrder[i] = mapped
			}
		}
		for i, msg := range snapshot.ChatHistory {
			if mapped, ok := mappings[msg.ID]; ok {
				snapshot.ChatHistory[i].ID = mapped
			}
		}
	}, true)
}

func (s *Scheduler) stashDraft(snapshot *state.ProjectSnapshot) {
	if s.drafts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.drafts.Stash(ctx, snapshot); err != nil {
		log.Printf("autosave: stash draft: %v", err)
	}
}

