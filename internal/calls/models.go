package calls

import "time"

// CallSession is the aggregate call status shown to observers.
//
// Invariants:
// - ErrorMessage is non-empty if and only if State == StateError.
// - DurationSeconds only advances while Connected or Reconnecting.
type CallSession struct {
	State CallState `json:"state"`

	// DurationSeconds is elapsed connected time for the current call.
	DurationSeconds int `json:"duration_seconds"`

	IsMuted     bool `json:"is_muted"`
	IsSpeakerOn bool `json:"is_speaker_on"`

	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`

	// RoomIdentifier is set once a room is joined and cleared on teardown.
	RoomIdentifier string `json:"room_identifier,omitempty"`

	AgentName string `json:"agent_name"`
}

// Activity flags change without a state transition and reset when a call ends.
type Activity struct {
	AgentSpeaking     bool   `json:"agent_speaking"`
	UserSpeaking      bool   `json:"user_speaking"`
	CurrentTranscript string `json:"current_transcript,omitempty"`
}

// Snapshot is an immutable copy of controller state.
type Snapshot struct {
	Session  CallSession `json:"session"`
	Activity Activity    `json:"activity"`

	// Seq increases with every published change.
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
}

type CallState string

const (
	StateIdle          CallState = "idle"
	StateConnecting    CallState = "connecting"
	StateConnected     CallState = "connected"
	StateReconnecting  CallState = "reconnecting"
	StateDisconnecting CallState = "disconnecting"
	StateDisconnected  CallState = "disconnected"
	StateError         CallState = "error"
)

// ErrorKind classifies why a call ended in StateError.
type ErrorKind string

const (
	ErrorKindTokenFetch       ErrorKind = "token_fetch_failed"
	ErrorKindTransportConnect ErrorKind = "transport_connect_failed"
	ErrorKindTransportRuntime ErrorKind = "transport_runtime_failure"
)

// Transition is reported to the Observer on every state change.
type Transition struct {
	CallID string    `json:"call_id"`
	From   CallState `json:"from"`
	To     CallState `json:"to"`
	Room   string    `json:"room,omitempty"`

	DurationSeconds int       `json:"duration_seconds"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`

	At time.Time `json:"at"`
}

// Observer receives transitions on the controller goroutine. Implementations
// must not block or call back into the controller.
type Observer interface {
	ObserveTransition(t Transition)
}
