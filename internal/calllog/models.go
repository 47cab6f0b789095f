package calllog

import "time"

// Entry is an immutable, append-only record of one call state change.
//
// Invariants:
// - Entries are never updated or deleted individually.
// - CallID groups every entry of one call attempt.
type Entry struct {
	ID     string    `json:"id"`
	CallID string    `json:"call_id"`
	Type   EntryType `json:"type"`

	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Room      string `json:"room,omitempty"`

	DurationSeconds int `json:"duration_seconds"`

	// ErrorKind and Message are set for failures.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EntryType string

const (
	EntryTypeStarted      EntryType = "call_started"
	EntryTypeConnected    EntryType = "call_connected"
	EntryTypeReconnecting EntryType = "call_reconnecting"
	EntryTypeEnding       EntryType = "call_ending"
	EntryTypeEnded        EntryType = "call_ended"
	EntryTypeFailed       EntryType = "call_failed"
	EntryTypeReset        EntryType = "call_reset"
)
