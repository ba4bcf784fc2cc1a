package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxMessages = "inkwell_messages"
	idxIdeas    = "inkwell_ideas"
)

// Meili implements indexing and search via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// starts unhealthy if the initial connection fails; the health loop
// reconfigures indexes when the service recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxMessages,
			primaryKey: "id",
			filterable: []string{"sessionId", "role"},
			searchable: []string{"content"},
		},
		{
			uid:        idxIdeas,
			primaryKey: "id",
			filterable: []string{"location", "sectionId"},
			searchable: []string{"text"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the message and idea indexes and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	queries := buildQueries(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

// buildQueries renders one multi-search request per targeted index.
func buildQueries(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxMessages, ResultMessage},
		{idxIdeas, ResultIdea},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:         target.uid,
			Query:            q.Text,
			Limit:            limit,
			Offset:           int64(q.Offset),
			ShowRankingScore: true,
		}
		if q.SessionID != "" && target.rtyp == ResultMessage {
			sr.Filter = []string{fmt.Sprintf("sessionId = %q", q.SessionID)}
		}
		queries = append(queries, sr)
	}
	return queries
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxMessages:
		return ResultMessage
	case idxIdeas:
		return ResultIdea
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	switch rtyp {
	case ResultMessage:
		r.SessionID = decodeString(hit, "sessionId")
		r.Role = decodeString(hit, "role")
		r.Snippet = decodeString(hit, "content")
	case ResultIdea:
		r.Snippet = decodeString(hit, "text")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// IndexMessage adds or updates one message document.
func (m *Meili) IndexMessage(doc MessageDoc) error {
	_, err := m.client.Index(idxMessages).AddDocuments([]MessageDoc{doc}, nil)
	return err
}

// IndexIdea adds or updates one idea document.
func (m *Meili) IndexIdea(doc IdeaDoc) error {
	_, err := m.client.Index(idxIdeas).AddDocuments([]IdeaDoc{doc}, nil)
	return err
}

// DeleteMessage removes a message from the index.
func (m *Meili) DeleteMessage(id string) error {
	_, err := m.client.Index(idxMessages).DeleteDocument(id, nil)
	return err
}
