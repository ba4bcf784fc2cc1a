package search

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the fallback index used while Meilisearch is unreachable: a
// mutex-guarded substring scan over everything indexed this session.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]MessageDoc
	ideas    map[string]IdeaDoc
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]MessageDoc),
		ideas:    make(map[string]IdeaDoc),
	}
}

func (m *Memory) IndexMessage(doc MessageDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[doc.ID] = doc
}

func (m *Memory) IndexIdea(doc IdeaDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ideas[doc.ID] = doc
}

func (m *Memory) DeleteMessage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultMessage {
		for _, doc := range m.messages {
			if q.SessionID != "" && doc.SessionID != q.SessionID {
				continue
			}
			if strings.Contains(strings.ToLower(doc.Content), needle) {
				results = append(results, Result{
					Type:      ResultMessage,
					ID:        doc.ID,
					SessionID: doc.SessionID,
					Role:      doc.Role,
					Snippet:   doc.Content,
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultIdea {
		for _, doc := range m.ideas {
			if strings.Contains(strings.ToLower(doc.Text), needle) {
				results = append(results, Result{
					Type:    ResultIdea,
					ID:      doc.ID,
					Snippet: doc.Text,
				})
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	total := len(results)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if q.Offset >= len(results) {
		return []Result{}, total, nil
	}
	results = results[q.Offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}
