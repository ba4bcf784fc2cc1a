// Package search indexes chat messages and plan ideas for full-text lookup,
// preferring Meilisearch and falling back to an in-memory index when it is
// unreachable.
package search

type ResultType string

const (
	ResultMessage ResultType = "message"
	ResultIdea    ResultType = "idea"
)

type Query struct {
	Text       string
	FilterType ResultType
	SessionID  string
	Limit      int
	Offset     int
}

type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId,omitempty"`
	Role      string     `json:"role,omitempty"`
	Snippet   string     `json:"snippet"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MessageDoc is the indexed form of a chat message.
type MessageDoc struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// IdeaDoc is the indexed form of a plan idea.
type IdeaDoc struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Location  string `json:"location"`
	SectionID string `json:"sectionId,omitempty"`
}
