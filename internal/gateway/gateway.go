// Package gateway defines the persistence boundary of the sync core and its
// two implementations (hosted HTTP service, direct Postgres).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inkwell/sync/internal/state"
)

// ErrorKind classifies gateway failures. Transport and non-success responses
// are the same recoverable class; serialization failures are surfaced as a
// distinct visible error state.
type ErrorKind string

const (
	KindTransport     ErrorKind = "transport"
	KindValidation    ErrorKind = "validation"
	KindConflict      ErrorKind = "conflict"
	KindSerialization ErrorKind = "serialization"
)

type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf returns the classification of err, defaulting to transport for
// anything that is not a gateway error.
func KindOf(err error) ErrorKind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindTransport
}

// SaveResult is the gateway's response to a snapshot save. IDMappings remaps
// transient client-generated ids to the stable server ids assigned during
// the save.
type SaveResult struct {
	Success    bool              `json:"success"`
	IDMappings map[string]string `json:"idMappings,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// MessageRecord is a chat message as the gateway returns it. Timestamp is
// kept raw: the remote log stores epoch numbers and several string formats,
// and normalization belongs to the transcript engine.
type MessageRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// PersistenceGateway is the narrow asynchronous surface the core consumes.
// Every method may fail or time out; callers treat all failures as
// recoverable per the taxonomy above.
type PersistenceGateway interface {
	// LoadSnapshot returns nil without error when the project does not exist.
	LoadSnapshot(ctx context.Context, projectID string) (*state.ProjectSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *state.ProjectSnapshot) (SaveResult, error)
	AppendMessage(ctx context.Context, sessionID string, role state.Role, content string, timestamp time.Time) error
	// LoadMessagePage returns up to limit records strictly older than before
	// (nil before means newest page). Empty sessionID queries across sessions.
	LoadMessagePage(ctx context.Context, limit int, before *time.Time, sessionID string) ([]MessageRecord, error)
	DeleteItem(ctx context.Context, itemID string) error
}
