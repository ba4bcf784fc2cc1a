package search

import (
	"log"

	"inkwell/sync/internal/state"
)

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory index. Both indexes are fed on every write so the fallback has
// data when Meilisearch drops out mid-session.
type Service struct {
	meili  *Meili
	memory *Memory
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, memory *Memory) *Service {
	if memory == nil {
		memory = NewMemory()
	}
	return &Service{meili: meili, memory: memory}
}

// Search tries Meilisearch if healthy, otherwise the in-memory index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: memory index error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage indexes a chat message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(sessionID string, msg state.ChatMessage) {
	doc := MessageDoc{
		ID:        msg.ID,
		SessionID: sessionID,
		Role:      string(msg.Role),
		Content:   msg.Content,
	}
	s.memory.IndexMessage(doc)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(doc); err != nil {
			log.Printf("search: index message %s: %v", doc.ID, err)
		}
	}()
}

// IndexIdea indexes a plan idea (fire-and-forget to Meilisearch).
func (s *Service) IndexIdea(idea state.IdeaItem) {
	doc := IdeaDoc{
		ID:        idea.ID,
		Text:      idea.Text,
		Location:  string(idea.Location),
		SectionID: idea.SectionID,
	}
	s.memory.IndexIdea(doc)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIdea(doc); err != nil {
			log.Printf("search: index idea %s: %v", doc.ID, err)
		}
	}()
}

// DeleteMessage removes a message from both indexes (fire-and-forget).
func (s *Service) DeleteMessage(id string) {
	s.memory.DeleteMessage(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(id); err != nil {
			log.Printf("search: delete message %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
