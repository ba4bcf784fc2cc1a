// Package state holds the observable project store: a versioned snapshot
// with subscribe/notify semantics and a batched silent-update scope.
package state

import (
	"log"
	"sync"
)

// Store is the single shared mutable resource of the sync core. The snapshot
// is deep-copied on the way in and out, so subscribers can never mutate the
// store's internal state by reference.
type Store struct {
	mu       sync.Mutex
	snapshot *ProjectSnapshot
	version  uint64
	silent   bool
	handlers map[EventKind][]Handler
}

func NewStore(projectID string) *Store {
	return &Store{
		snapshot: NewProjectSnapshot(projectID),
		handlers: make(map[EventKind][]Handler),
	}
}

// GetState returns a deep copy of the current snapshot.
func (s *Store) GetState() *ProjectSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Version increments on every SetState, silent or not.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SetState replaces the snapshot. Unless silent is set or a silent scope is
// active, subscribers are notified synchronously with the new snapshot.
func (s *Store) SetState(snapshot *ProjectSnapshot, silent bool) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	s.snapshot = snapshot.Clone()
	s.version++
	suppress := silent || s.silent
	changed := s.snapshot.Clone()
	s.mu.Unlock()

	if suppress {
		return
	}
	s.Notify(Event{Kind: EventStateChanged, Snapshot: changed})
}

// UpdateState applies a mutation to a copy of the snapshot and stores the
// result, with SetState's notification rules.
func (s *Store) UpdateState(mutate func(*ProjectSnapshot), silent bool) {
	s.mu.Lock()
	next := s.snapshot.Clone()
	s.mu.Unlock()
	mutate(next)
	s.SetState(next, silent)
}

// Subscribe registers a handler for one event kind. Handlers run
// synchronously in subscription order.
func (s *Store) Subscribe(kind EventKind, handler Handler) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], handler)
}

// Notify delivers an event to every subscriber of its kind. A panicking
// handler is recovered and logged so it cannot block the others. Delivery is
// suppressed while a silent scope is active.
func (s *Store) Notify(event Event) {
	s.mu.Lock()
	if s.silent {
		s.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), s.handlers[event.Kind]...)
	s.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("state: %s handler panic: %v", event.Kind, r)
				}
			}()
			handler(event)
		}()
	}
}

// WithSilentUpdate suppresses all notification while fn runs, restoring it
// on exit even if fn panics. Used for bulk restores that would otherwise
// trigger a storm of intermediate renders.
func (s *Store) WithSilentUpdate(fn func()) {
	s.mu.Lock()
	previous := s.silent
	s.silent = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.silent = previous
		s.mu.Unlock()
	}()

	fn()
}
