package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"voiceagent/internal/transport"
)

func collect(t *testing.T, ch <-chan transport.Event, n int) []transport.Event {
	t.Helper()
	var out []transport.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
	return out
}

func TestRoom_PlaysGreetingScript(t *testing.T) {
	t.Parallel()

	r := New(Options{Greeting: "hello"})
	if err := r.Connect(context.Background(), "", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Disconnect()

	evs := collect(t, r.Events(), 4)
	if evs[0].Type != transport.EventTrackSubscribed || evs[0].Kind != transport.TrackKindAudio {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].Type != transport.EventActiveSpeakersChanged || len(evs[1].Speakers) != 1 || evs[1].Speakers[0] != DefaultAgentIdentity {
		t.Fatalf("unexpected speakers event: %+v", evs[1])
	}
	if evs[2].Type != transport.EventTranscriptReceived || evs[2].Text != "hello" {
		t.Fatalf("unexpected transcript event: %+v", evs[2])
	}
	if evs[3].Type != transport.EventActiveSpeakersChanged || len(evs[3].Speakers) != 0 {
		t.Fatalf("expected cleared speakers, got %+v", evs[3])
	}
}

func TestRoom_FailConnect(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := New(Options{FailConnect: boom})
	if err := r.Connect(context.Background(), "", ""); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := r.SetMicrophoneEnabled(context.Background(), true); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestRoom_ConnectHonoursContext(t *testing.T) {
	t.Parallel()

	r := New(Options{ConnectDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Connect(ctx, "", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestRoom_MicrophoneAndDisconnect(t *testing.T) {
	t.Parallel()

	r := New(Options{Step: time.Hour})
	if err := r.Connect(context.Background(), "", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = r.SetMicrophoneEnabled(context.Background(), true)
	_ = r.SetMicrophoneEnabled(context.Background(), false)

	got := r.MicrophoneCalls()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("unexpected mic calls: %v", got)
	}

	if err := r.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if r.Emit(transport.Event{Type: transport.EventReconnecting}) {
		t.Fatalf("expected emit to fail after disconnect")
	}
	if r.LocalIdentity() != DefaultIdentity {
		t.Fatalf("unexpected identity %q", r.LocalIdentity())
	}
}
