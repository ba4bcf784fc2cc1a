package state

// EventKind enumerates the closed set of events the core emits. New kinds
// are added here, never invented ad hoc at call sites.
type EventKind string

const (
	EventStateChanged      EventKind = "state_changed"
	EventReady             EventKind = "ready"
	EventSaved             EventKind = "saved"
	EventAutosaveScheduled EventKind = "autosave_scheduled"
	EventAutosaveSaving    EventKind = "autosave_saving"
	EventAutosaveSaved     EventKind = "autosave_saved"
	EventAutosaveError     EventKind = "autosave_error"
	EventAutosaveOffline   EventKind = "autosave_offline"
	EventTranscriptError   EventKind = "transcript_error"
)

// Event carries a kind plus the payload fields that kind uses. Snapshot is
// set for state_changed/ready/saved, Reason for the autosave kinds, Err for
// the error kinds.
type Event struct {
	Kind     EventKind
	Snapshot *ProjectSnapshot
	Reason   string
	Err      error
}

type Handler func(Event)
