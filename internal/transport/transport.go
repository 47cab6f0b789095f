// Package transport defines the real-time room port the call controller
// drives. Adapters live in subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by room operations that need a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// Room is one real-time audio connection. A Room is used for a single call
// and discarded afterwards.
type Room interface {
	// Connect blocks until the room is joined or fails.
	Connect(ctx context.Context, serverURL, token string) error
	// Disconnect leaves the room. Safe to call more than once.
	Disconnect() error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	// LocalIdentity is the identity the server assigned to this participant.
	LocalIdentity() string
	// Events is closed after Disconnect.
	Events() <-chan Event
}

// Factory creates a fresh Room per call attempt.
type Factory interface {
	NewRoom() Room
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func() Room

func (f FactoryFunc) NewRoom() Room { return f() }

type EventType string

const (
	EventDisconnected          EventType = "disconnected"
	EventReconnecting          EventType = "reconnecting"
	EventReconnected           EventType = "reconnected"
	EventConnectFailed         EventType = "connect_failed"
	EventTrackSubscribed       EventType = "track_subscribed"
	EventTrackUnsubscribed     EventType = "track_unsubscribed"
	EventActiveSpeakersChanged EventType = "active_speakers_changed"
	EventTranscriptReceived    EventType = "transcript_received"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a subscribed remote track.
type Track interface {
	ID() string
	// Play starts local playback at gain times the nominal level.
	Play(gain float64) error
}

// Event is one notification from a Room, delivered in emission order.
type Event struct {
	Type EventType

	// TrackSubscribed / TrackUnsubscribed
	Kind  TrackKind
	Track Track

	// ActiveSpeakersChanged. Replaces any previous set.
	Speakers []string

	// TranscriptReceived
	Text string

	// ConnectFailed / Disconnected, when the adapter knows why.
	Err error
}
