package livekit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"voiceagent/internal/transport"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
)

func TestConnect_RequiresURLAndToken(t *testing.T) {
	r := New(Options{})
	if err := r.Connect(context.Background(), "", "tok"); err == nil {
		t.Fatalf("expected url error")
	}
	if err := r.Connect(context.Background(), "wss://example", ""); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestSetMicrophoneEnabled_RequiresConnection(t *testing.T) {
	r := New(Options{})
	if err := r.SetMicrophoneEnabled(context.Background(), true); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if r.LocalIdentity() != "" {
		t.Fatalf("expected empty identity before connect")
	}
}

func TestDisconnect_IsIdempotentAndClosesEvents(t *testing.T) {
	r := New(Options{})
	if err := r.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, ok := <-r.Events(); ok {
		t.Fatalf("expected closed events channel")
	}
	// Emitting after close must not panic.
	r.emit(transport.Event{Type: transport.EventReconnecting})
}

func TestNew_DefaultsTranscriptTopic(t *testing.T) {
	r := New(Options{})
	if r.opts.TranscriptTopic != "transcription" {
		t.Fatalf("unexpected topic %q", r.opts.TranscriptTopic)
	}
	if _, ok := NewFactory(Options{}).NewRoom().(*Room); !ok {
		t.Fatalf("expected *Room from factory")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	opened []string
	gains  []float64
	w      *recordingWriter
}

func (s *recordingSink) OpenTrack(trackID string, gain float64) (PacketWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, trackID)
	s.gains = append(s.gains, gain)
	s.w = &recordingWriter{closed: make(chan struct{})}
	return s.w, nil
}

type recordingWriter struct {
	mu       sync.Mutex
	payloads []string
	closed   chan struct{}
}

func (w *recordingWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, string(pkt.Payload))
	return nil
}

func (w *recordingWriter) Close() error {
	close(w.closed)
	return nil
}

func scriptedTrack(r *Room, payloads ...string) *remoteTrack {
	var mu sync.Mutex
	return &remoteTrack{
		id:   "TR_agent",
		room: r,
		next: func() (*rtp.Packet, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(payloads) == 0 {
				return nil, io.EOF
			}
			p := payloads[0]
			payloads = payloads[1:]
			return &rtp.Packet{Payload: []byte(p)}, nil
		},
	}
}

func TestRemoteTrackPlay_FeedsSinkWithGain(t *testing.T) {
	sink := &recordingSink{}
	r := New(Options{Audio: sink})
	track := scriptedTrack(r, "a", "b", "c")

	if err := track.Play(2.0); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := track.Play(2.0); err != nil {
		t.Fatalf("second play: %v", err)
	}

	sink.mu.Lock()
	w := sink.w
	opened, gains := append([]string(nil), sink.opened...), append([]float64(nil), sink.gains...)
	sink.mu.Unlock()

	if len(opened) != 1 || opened[0] != "TR_agent" || gains[0] != 2.0 {
		t.Fatalf("expected one open at gain 2.0, got %v %v", opened, gains)
	}
	select {
	case <-w.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for track to end")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.payloads) != 3 || w.payloads[0] != "a" || w.payloads[2] != "c" {
		t.Fatalf("unexpected payloads %v", w.payloads)
	}
}

func TestRemoteTrackPlay_WithoutSinkDrains(t *testing.T) {
	r := New(Options{})
	drained := make(chan struct{})
	track := scriptedTrack(r, "a")
	next := track.next
	track.next = func() (*rtp.Packet, error) {
		pkt, err := next()
		if err != nil {
			close(drained)
		}
		return pkt, err
	}

	if err := track.Play(2.0); err != nil {
		t.Fatalf("play: %v", err)
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected track drained without a sink")
	}
}

func TestDisconnectEvent_MapsFailureToConnectFailed(t *testing.T) {
	if ev := disconnectEvent(lksdk.Failed); ev.Type != transport.EventConnectFailed || ev.Err == nil {
		t.Fatalf("expected connect failed with error, got %+v", ev)
	}
	if ev := disconnectEvent(lksdk.LeaveRequested); ev.Type != transport.EventDisconnected {
		t.Fatalf("expected disconnected, got %+v", ev)
	}
}

func TestCallback_ServerFailureEmitsConnectFailed(t *testing.T) {
	r := New(Options{})
	r.callback().OnDisconnectedWithReason(lksdk.Failed)

	select {
	case ev := <-r.Events():
		if ev.Type != transport.EventConnectFailed {
			t.Fatalf("expected connect failed, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an event")
	}
}
