package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inkwell/sync/internal/state"
)

// HTTPGateway talks to the hosted inkwell persistence service over an
// authenticated JSON API.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPGateway(baseURL, token string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *HTTPGateway) LoadSnapshot(ctx context.Context, projectID string) (*state.ProjectSnapshot, error) {
	var snapshot state.ProjectSnapshot
	found, err := g.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil, &snapshot)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snapshot, nil
}

func (g *HTTPGateway) SaveSnapshot(ctx context.Context, snapshot *state.ProjectSnapshot) (SaveResult, error) {
	if snapshot == nil || snapshot.ID == "" {
		return SaveResult{}, newError(KindValidation, "SNAPSHOT_INVALID", "snapshot missing project id", nil)
	}
	var result SaveResult
	if _, err := g.do(ctx, http.MethodPut, "/api/projects/"+url.PathEscape(snapshot.ID), snapshot, &result); err != nil {
		return SaveResult{}, err
	}
	if !result.Success {
		return result, newError(KindTransport, "SAVE_REJECTED", result.Error, nil)
	}
	return result, nil
}

func (g *HTTPGateway) AppendMessage(ctx context.Context, sessionID string, role state.Role, content string, timestamp time.Time) error {
	if !role.Valid() {
		return newError(KindValidation, "ROLE_INVALID", fmt.Sprintf("unknown role %q", role), nil)
	}
	body := map[string]any{
		"role":      role,
		"content":   content,
		"timestamp": timestamp.UTC().Format(time.RFC3339),
	}
	_, err := g.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", body, nil)
	return err
}

func (g *HTTPGateway) LoadMessagePage(ctx context.Context, limit int, before *time.Time, sessionID string) ([]MessageRecord, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if before != nil {
		query.Set("before", before.UTC().Format(time.RFC3339))
	}
	if sessionID != "" {
		query.Set("session", sessionID)
	}
	var records []MessageRecord
	if _, err := g.do(ctx, http.MethodGet, "/api/messages?"+query.Encode(), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (g *HTTPGateway) DeleteItem(ctx context.Context, itemID string) error {
	_, err := g.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil)
	return err
}

// do performs one request. The bool result reports whether the resource was
// found (404 on GET is "absent", not an error). Non-2xx statuses map onto
// the error taxonomy; an unparseable success body is a serialization error.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, newError(KindSerialization, "ENCODE_FAILED", "encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return false, newError(KindTransport, "REQUEST_BUILD", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return false, newError(KindTransport, "REQUEST_FAILED", method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindTransport
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			kind = KindValidation
		case http.StatusConflict:
			kind = KindConflict
		}
		return false, newError(kind, fmt.Sprintf("HTTP_%d", resp.StatusCode), method+" "+path, nil)
	}

	if out == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, newError(KindSerialization, "DECODE_FAILED", method+" "+path, err)
	}
	return true, nil
}
