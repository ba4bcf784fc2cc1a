package state

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type MessageStatus string

const (
	// StatusSent marks a message created locally (optimistic send).
	StatusSent MessageStatus = "sent"
	// StatusLoaded marks a message rehydrated from the remote log.
	StatusLoaded MessageStatus = "loaded"
)

// ChatMessage is immutable once created. Timestamp is nil when the remote
// record carried no parseable time; it is never substituted with "now".
type ChatMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
	Status    MessageStatus `json:"status"`
}

// TimeLabel renders the display time, empty for messages without a
// parseable timestamp.
func (m ChatMessage) TimeLabel() string {
	if m.Timestamp == nil {
		return ""
	}
	return m.Timestamp.Local().Format("15:04")
}

func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Timestamp != nil {
		ts := *m.Timestamp
		out.Timestamp = &ts
	}
	return out
}

// PhaseDocument is one independently edited document stage.
type PhaseDocument struct {
	Content   string `json:"content"`
	WordCount int    `json:"wordCount"`
}

type IdeaLocation string

const (
	IdeaUnplaced IdeaLocation = "unplaced"
	IdeaPlaced   IdeaLocation = "placed-in-section"
)

type IdeaItem struct {
	ID        string       `json:"id"`
	Text      string       `json:"text"`
	Location  IdeaLocation `json:"location"`
	SectionID string       `json:"sectionId,omitempty"`
}

type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type PlanDocument struct {
	Ideas        []IdeaItem `json:"ideas"`
	Sections     []Section  `json:"sections"`
	SectionOrder []string   `json:"sectionOrder"`
}

type Metadata struct {
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	CurrentPhase string    `json:"currentPhase"`
}

// ProjectSnapshot is the full mutable document. It is owned by the Store and
// mutated only through SetState/UpdateState; callers always work on copies.
type ProjectSnapshot struct {
	ID          string                   `json:"id"`
	Metadata    Metadata                 `json:"metadata"`
	Phases      map[string]PhaseDocument `json:"phases"`
	Plan        PlanDocument             `json:"plan"`
	ChatHistory []ChatMessage            `json:"chatHistory"`
}

func NewProjectSnapshot(id string) *ProjectSnapshot {
	now := time.Now()
	return &ProjectSnapshot{
		ID: id,
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
		},
		Phases: make(map[string]PhaseDocument),
	}
}

func (s *ProjectSnapshot) Clone() *ProjectSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Phases = make(map[string]PhaseDocument, len(s.Phases))
	for name, phase := range s.Phases {
		out.Phases[name] = phase
	}
	out.Plan = s.Plan.Clone()
	out.ChatHistory = make([]ChatMessage, 0, len(s.ChatHistory))
	for _, msg := range s.ChatHistory {
		out.ChatHistory = append(out.ChatHistory, msg.Clone())
	}
	return &out
}

func (p PlanDocument) Clone() PlanDocument {
	out := p
	out.Ideas = append([]IdeaItem(nil), p.Ideas...)
	out.Sections = append([]Section(nil), p.Sections...)
	out.SectionOrder = append([]string(nil), p.SectionOrder...)
	return out
}

// Normalize repairs placement: an idea tagged placed-in-section whose section
// no longer exists is re-tagged unplaced. Items are never dropped.
func (p *PlanDocument) Normalize() {
	known := make(map[string]struct{}, len(p.Sections))
	for _, section := range p.Sections {
		known[section.ID] = struct{}{}
	}
	for i, idea := range p.Ideas {
		if idea.Location != IdeaPlaced {
			continue
		}
		if _, ok := known[idea.SectionID]; !ok {
			p.Ideas[i].Location = IdeaUnplaced
			p.Ideas[i].SectionID = ""
		}
	}
}

// CountWords derives the word count for a phase document's plain text.
func CountWords(content string) int {
	return len(strings.Fields(content))
}
