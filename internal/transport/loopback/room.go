// Package loopback is an in-process transport.Room that plays a scripted
// agent greeting. It backs demo mode and needs no server.
package loopback

import (
	"context"
	"sync"
	"time"

	"voiceagent/internal/transport"
)

const (
	DefaultIdentity      = "demo-user"
	DefaultAgentIdentity = "demo-agent"
	DefaultGreeting      = "مرحباً بك في زين الأردن. كيف يمكنني مساعدتك؟"
)

type Options struct {
	Identity      string
	AgentIdentity string
	Greeting      string

	// ConnectDelay simulates join latency.
	ConnectDelay time.Duration
	// Step spaces the scripted events after connect.
	Step time.Duration
	// SpeakFor is how long the agent stays the active speaker.
	SpeakFor time.Duration

	// FailConnect makes Connect return this error.
	FailConnect error
}

func (o Options) withDefaults() Options {
	if o.Identity == "" {
		o.Identity = DefaultIdentity
	}
	if o.AgentIdentity == "" {
		o.AgentIdentity = DefaultAgentIdentity
	}
	if o.Greeting == "" {
		o.Greeting = DefaultGreeting
	}
	return o
}

// NewFactory returns a factory of scripted rooms.
func NewFactory(opts Options) transport.Factory {
	return transport.FactoryFunc(func() transport.Room { return New(opts) })
}

type Room struct {
	opts Options

	mu        sync.Mutex
	connected bool
	closed    bool
	micOn     bool
	micCalls  []bool

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) *Room {
	return &Room{
		opts:   opts.withDefaults(),
		events: make(chan transport.Event, 16),
		done:   make(chan struct{}),
	}
}

func (r *Room) Events() <-chan transport.Event { return r.events }

func (r *Room) LocalIdentity() string { return r.opts.Identity }

func (r *Room) Connect(ctx context.Context, _, _ string) error {
	if r.opts.ConnectDelay > 0 {
		t := time.NewTimer(r.opts.ConnectDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return transport.ErrNotConnected
		}
	}
	if r.opts.FailConnect != nil {
		return r.opts.FailConnect
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrNotConnected
	}
	r.connected = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.script()
	return nil
}

// script plays: agent track up, agent speaking with greeting, agent quiet.
func (r *Room) script() {
	defer r.wg.Done()
	steps := []struct {
		wait time.Duration
		ev   transport.Event
	}{
		{r.opts.Step, transport.Event{Type: transport.EventTrackSubscribed, Kind: transport.TrackKindAudio, Track: silentTrack{id: "agent-audio"}}},
		{r.opts.Step, transport.Event{Type: transport.EventActiveSpeakersChanged, Speakers: []string{r.opts.AgentIdentity}}},
		{0, transport.Event{Type: transport.EventTranscriptReceived, Text: r.opts.Greeting}},
		{r.opts.SpeakFor, transport.Event{Type: transport.EventActiveSpeakersChanged, Speakers: nil}},
	}
	for _, s := range steps {
		if s.wait > 0 {
			t := time.NewTimer(s.wait)
			select {
			case <-t.C:
			case <-r.done:
				t.Stop()
				return
			}
		}
		if !r.Emit(s.ev) {
			return
		}
	}
}

// Emit delivers ev as if the remote side produced it. It reports false
// once the room is closed.
func (r *Room) Emit(ev transport.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected || r.closed {
		return transport.ErrNotConnected
	}
	r.micOn = enabled
	r.micCalls = append(r.micCalls, enabled)
	return nil
}

// MicrophoneCalls returns every SetMicrophoneEnabled value in call order.
func (r *Room) MicrophoneCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.micCalls))
	copy(out, r.micCalls)
	return out
}

func (r *Room) Disconnect() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.mu.Lock()
		r.closed = true
		r.connected = false
		close(r.events)
		r.mu.Unlock()
	})
	return nil
}

type silentTrack struct{ id string }

func (t silentTrack) ID() string            { return t.id }
func (t silentTrack) Play(_ float64) error { return nil }
