package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"voiceagent/internal/audioroute"
	"voiceagent/internal/tokens"
	"voiceagent/internal/transport"
)

type fakeTokens struct {
	mu    sync.Mutex
	tok   tokens.Token
	err   error
	gate  chan struct{}
	rooms []string
	ids   []string
}

func (f *fakeTokens) FetchToken(ctx context.Context, room, identity string) (tokens.Token, error) {
	f.mu.Lock()
	f.rooms = append(f.rooms, room)
	f.ids = append(f.ids, identity)
	gate, tok, err := f.gate, f.tok, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tokens.Token{}, ctx.Err()
		}
	}
	return tok, err
}

func (f *fakeTokens) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

type fakeRoom struct {
	mu          sync.Mutex
	identity    string
	connectErr  error
	url, token  string
	mic         []bool
	disconnects int
	closed      bool
	events      chan transport.Event
}

func (r *fakeRoom) Connect(_ context.Context, url, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.url, r.token = url, token
	return r.connectErr
}

func (r *fakeRoom) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

func (r *fakeRoom) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = append(r.mic, enabled)
	return nil
}

func (r *fakeRoom) LocalIdentity() string        { return r.identity }
func (r *fakeRoom) Events() <-chan transport.Event { return r.events }

func (r *fakeRoom) emit(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

func (r *fakeRoom) micCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.mic...)
}

func (r *fakeRoom) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *fakeRoom) endpoint() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url, r.token
}

type fakeFactory struct {
	mu         sync.Mutex
	rooms      []*fakeRoom
	connectErr error
}

func (f *fakeFactory) NewRoom() transport.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRoom{
		identity:   "user-local",
		connectErr: f.connectErr,
		events:     make(chan transport.Event, 16),
	}
	f.rooms = append(f.rooms, r)
	return r
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func (f *fakeFactory) last() *fakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rooms) == 0 {
		return nil
	}
	return f.rooms[len(f.rooms)-1]
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type tickerSource struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (s *tickerSource) new(time.Duration) Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	s.tickers = append(s.tickers, t)
	return t
}

func (s *tickerSource) last() *fakeTicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tickers) == 0 {
		return nil
	}
	return s.tickers[len(s.tickers)-1]
}

type fakeTrack struct {
	mu    sync.Mutex
	gains []float64
}

func (t *fakeTrack) ID() string { return "agent-audio" }

func (t *fakeTrack) Play(gain float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gains = append(t.gains, gain)
	return nil
}

func (t *fakeTrack) played() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.gains...)
}

type recordingObserver struct {
	mu sync.Mutex
	ts []Transition
}

func (o *recordingObserver) ObserveTransition(t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ts = append(o.ts, t)
}

func (o *recordingObserver) snapshot() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.ts...)
}

type harness struct {
	c        *Controller
	tokens   *fakeTokens
	rooms    *fakeFactory
	routes   *audioroute.StaticSelector
	tickers  *tickerSource
	observer *recordingObserver
}

func newHarness(t *testing.T, tok *fakeTokens, rooms *fakeFactory, routes *audioroute.StaticSelector) *harness {
	t.Helper()
	if tok == nil {
		tok = &fakeTokens{tok: tokens.Token{Value: "tok", ServerURL: "wss://lk.example"}}
	}
	if rooms == nil {
		rooms = &fakeFactory{}
	}
	if routes == nil {
		routes = audioroute.NewStaticSelector(audioroute.Earpiece, audioroute.Speakerphone)
	}
	h := &harness{tokens: tok, rooms: rooms, routes: routes, tickers: &tickerSource{}, observer: &recordingObserver{}}

	c, err := NewController(Deps{
		Tokens:   tok,
		Rooms:    rooms,
		Routes:   routes,
		Observer: h.observer,
	}, Options{
		FallbackURL: "wss://fallback.example",
		GraceDelay:  20 * time.Millisecond,
		NewTicker:   h.tickers.new,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	return h
}

func (h *harness) connect(t *testing.T) *fakeRoom {
	t.Helper()
	if _, err := h.c.StartCall(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, h.c, "connected", func(s Snapshot) bool { return s.Session.State == StateConnected })
	return h.rooms.last()
}

func waitFor(t *testing.T, c *Controller, what string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.Snapshot()
		if pred(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, s)
		}
		time.Sleep(time.Millisecond)
	}
}
