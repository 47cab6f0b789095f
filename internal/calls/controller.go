package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voiceagent/internal/audioroute"
	"voiceagent/internal/tokens"
	"voiceagent/internal/transport"

	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("calls: controller closed")
	ErrMissingDeps = errors.New("calls: token source, room factory and route selector are required")
)

const (
	DefaultRoomPrefix = "zain-voice"
	DefaultRoomName   = "zain-voice-room"
	DefaultAgentName  = "Zain Assistant"

	connectFailedMessage = "Failed to connect to room"
	micCallTimeout       = 2 * time.Second
)

// Deps are the collaborators a Controller drives.
type Deps struct {
	Tokens tokens.Source
	Rooms  transport.Factory
	Routes audioroute.Selector

	// Observer is optional.
	Observer Observer
	Logger   *slog.Logger
}

// Options tune call behaviour. Zero values get defaults.
type Options struct {
	// FallbackURL is used when a token does not name a transport endpoint.
	FallbackURL string
	RoomPrefix  string
	AgentName   string

	// GraceDelay is how long EndCall waits before forcing a fresh Disconnected session.
	GraceDelay time.Duration
	// TrackGain is the playback gain for remote audio.
	TrackGain float64

	Now         func() time.Time
	NewTicker   func(d time.Duration) Ticker
	NewRoomName func() string
	NewIdentity func() string
}

// Ticker drives the duration counter.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func (o Options) withDefaults() Options {
	if o.RoomPrefix == "" {
		o.RoomPrefix = DefaultRoomPrefix
	}
	if o.AgentName == "" {
		o.AgentName = DefaultAgentName
	}
	if o.GraceDelay <= 0 {
		o.GraceDelay = 100 * time.Millisecond
	}
	if o.TrackGain <= 0 {
		o.TrackGain = 2.0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewTicker == nil {
		o.NewTicker = func(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }
	}
	if o.NewRoomName == nil {
		prefix := o.RoomPrefix
		o.NewRoomName = func() string { return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8]) }
	}
	if o.NewIdentity == nil {
		now := o.Now
		o.NewIdentity = func() string { return fmt.Sprintf("user-%d", now().UnixMilli()) }
	}
	return o
}

// Controller owns one call session at a time. Every mutation runs on a
// single goroutine; callers send intents and read published snapshots.
type Controller struct {
	deps Deps
	opts Options
	log  *slog.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	rootCtx    context.Context
	rootCancel context.CancelFunc

	snapMu     sync.RWMutex
	snap       Snapshot
	subs       map[uint64]chan Snapshot
	nextSub    uint64
	subsClosed bool

	// Owned by the run goroutine.
	session       CallSession
	activity      Activity
	published     bool
	seq           uint64
	gen           uint64
	callID        string
	room          transport.Room
	events        <-chan transport.Event
	localIdentity string
	attemptCancel context.CancelFunc
	ticker        Ticker
	tick          <-chan time.Time
	grace         *time.Timer
	graceC        <-chan time.Time
	graceGen      uint64
	routeActive   bool
}

func NewController(deps Deps, opts Options) (*Controller, error) {
	if deps.Tokens == nil || deps.Rooms == nil || deps.Routes == nil {
		return nil, ErrMissingDeps
	}
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:       deps,
		opts:       opts,
		log:        l.With("component", "call_controller"),
		inbox:      make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
		subs:       make(map[uint64]chan Snapshot),
		session:    CallSession{State: StateIdle, AgentName: opts.AgentName},
	}
	c.publish()
	go c.run()
	return c, nil
}

/* ===================== INTENTS ===================== */

// StartCall fetches a token for a fresh room and joins it. It returns once
// the attempt is under way; a call already Connecting or Connected is left alone.
func (c *Controller) StartCall() (Snapshot, error) {
	return c.do(func() { c.startCall(nil, "") })
}

// StartCallWithToken joins room with a credential obtained elsewhere.
// An empty serverURL falls back to the configured endpoint.
func (c *Controller) StartCallWithToken(serverURL, token, room string) (Snapshot, error) {
	if room == "" {
		room = DefaultRoomName
	}
	tok := tokens.Token{Value: token, ServerURL: serverURL}
	return c.do(func() { c.startCall(&tok, room) })
}

// EndCall leaves the room. The session reaches Disconnected within the grace delay.
func (c *Controller) EndCall() (Snapshot, error) {
	return c.do(c.endCall)
}

func (c *Controller) ToggleMute() (Snapshot, error) {
	return c.do(c.toggleMute)
}

func (c *Controller) ToggleSpeaker() (Snapshot, error) {
	return c.do(c.toggleSpeaker)
}

// ResetError returns an errored session to Idle. Other states are unchanged.
func (c *Controller) ResetError() (Snapshot, error) {
	return c.do(c.resetError)
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Subscribe returns a channel that always holds the latest snapshot.
// Slow readers skip intermediate values. The channel closes on Close or cancel.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap

	return ch, func() {
		c.snapMu.Lock()
		defer c.snapMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close tears down any active call and stops the controller.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) do(fn func()) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	req := func() {
		fn()
		c.publish()
		reply <- c.snap
	}
	select {
	case c.inbox <- req:
	case <-c.done:
		return c.Snapshot(), ErrClosed
	}
	return <-reply, nil
}

/* ===================== LOOP ===================== */

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.tick:
			c.onTick()
		case ev, ok := <-c.events:
			if !ok {
				c.onRoomClosed()
			} else {
				c.onEvent(ev)
			}
		case <-c.graceC:
			c.onGraceElapsed()
		case <-c.quit:
			c.gen++
			c.stopGrace()
			c.teardown()
			c.rootCancel()
			c.publish()
			c.closeSubscribers()
			return
		}
		c.publish()
	}
}

func (c *Controller) startCall(tok *tokens.Token, room string) {
	switch c.session.State {
	case StateConnecting, StateConnected, StateReconnecting, StateDisconnecting:
		c.log.Debug("start call ignored", "state", c.session.State)
		return
	}

	c.stopGrace()
	c.teardown()
	c.gen++
	c.callID = uuid.NewString()
	if room == "" {
		room = c.opts.NewRoomName()
	}
	identity := c.opts.NewIdentity()

	// A mute set before the call carries into it.
	c.session = CallSession{State: c.session.State, AgentName: c.opts.AgentName, IsMuted: c.session.IsMuted}
	c.activity = Activity{}
	c.setState(StateConnecting)

	ctx, cancel := context.WithCancel(c.rootCtx)
	c.attemptCancel = cancel
	go c.attempt(ctx, connectRequest{gen: c.gen, room: room, identity: identity, token: tok})
}

type connectRequest struct {
	gen      uint64
	room     string
	identity string
	token    *tokens.Token
}

type connectResult struct {
	connectRequest
	conn transport.Room
	kind ErrorKind
	err  error
}

// attempt runs off the loop so network waits never block intents.
func (c *Controller) attempt(ctx context.Context, req connectRequest) {
	res := connectResult{connectRequest: req}

	var tok tokens.Token
	if req.token != nil {
		tok = *req.token
	} else {
		t, err := c.deps.Tokens.FetchToken(ctx, req.room, req.identity)
		if err != nil {
			res.kind, res.err = ErrorKindTokenFetch, err
			c.deliver(res)
			return
		}
		tok = t
	}

	serverURL := tok.ServerURL
	if serverURL == "" {
		serverURL = c.opts.FallbackURL
	}

	conn := c.deps.Rooms.NewRoom()
	if err := conn.Connect(ctx, serverURL, tok.Value); err != nil {
		_ = conn.Disconnect()
		res.kind, res.err = ErrorKindTransportConnect, err
		c.deliver(res)
		return
	}
	res.conn = conn
	c.deliver(res)
}

func (c *Controller) deliver(res connectResult) {
	select {
	case c.inbox <- func() { c.onConnectResult(res) }:
	case <-c.done:
		if res.conn != nil {
			_ = res.conn.Disconnect()
		}
	}
}

func (c *Controller) onConnectResult(res connectResult) {
	if res.gen != c.gen || c.session.State != StateConnecting {
		if res.conn != nil {
			c.log.Info("discarding stale connection", "room", res.room)
			_ = res.conn.Disconnect()
		}
		return
	}

	if res.err != nil {
		msg := "Failed to connect: " + res.err.Error()
		if res.kind == ErrorKindTokenFetch {
			msg = "Failed to get connection token: " + res.err.Error()
		}
		c.log.Warn("call setup failed", "room", res.room, "kind", res.kind, "err", res.err)
		c.teardown()
		c.fail(res.kind, msg)
		return
	}

	c.room = res.conn
	c.events = res.conn.Events()
	c.localIdentity = res.conn.LocalIdentity()
	if c.localIdentity == "" {
		c.localIdentity = res.identity
	}

	c.startRoutes()
	c.setMicrophone(!c.session.IsMuted)

	c.session.RoomIdentifier = res.room
	c.startTicker()
	c.setState(StateConnected)
}

func (c *Controller) onEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventDisconnected:
		if ev.Err != nil {
			c.log.Info("transport disconnected", "err", ev.Err)
		}
		c.setState(StateDisconnected)
		c.teardown()

	case transport.EventReconnecting:
		// The duration counter keeps running.
		if c.session.State == StateConnected {
			c.setState(StateReconnecting)
		}

	case transport.EventReconnected:
		if c.session.State == StateReconnecting {
			c.setState(StateConnected)
		}

	case transport.EventConnectFailed:
		if ev.Err != nil {
			c.log.Warn("transport failure", "err", ev.Err)
		}
		c.teardown()
		c.fail(ErrorKindTransportRuntime, connectFailedMessage)

	case transport.EventTrackSubscribed:
		if ev.Kind != transport.TrackKindAudio {
			return
		}
		c.activity.AgentSpeaking = true
		if ev.Track != nil {
			if err := ev.Track.Play(c.opts.TrackGain); err != nil {
				c.log.Warn("remote audio playback failed", "track", ev.Track.ID(), "err", err)
			}
		}

	case transport.EventTrackUnsubscribed:
		if ev.Kind == transport.TrackKindAudio {
			c.activity.AgentSpeaking = false
		}

	case transport.EventActiveSpeakersChanged:
		agent, user := false, false
		for _, id := range ev.Speakers {
			if id == c.localIdentity {
				user = true
			} else {
				agent = true
			}
		}
		c.activity.AgentSpeaking = agent
		c.activity.UserSpeaking = user

	case transport.EventTranscriptReceived:
		c.activity.CurrentTranscript = ev.Text
	}
}

// onRoomClosed handles an event stream that ended without a Disconnected event.
func (c *Controller) onRoomClosed() {
	c.events = nil
	c.log.Info("transport event stream closed")
	c.setState(StateDisconnected)
	c.teardown()
}

func (c *Controller) onTick() {
	switch c.session.State {
	case StateConnected, StateReconnecting:
		c.session.DurationSeconds++
	}
}

func (c *Controller) endCall() {
	// Any in-flight connect result is now stale.
	c.gen++
	c.setState(StateDisconnecting)
	c.teardown()

	c.stopGrace()
	c.grace = time.NewTimer(c.opts.GraceDelay)
	c.graceC = c.grace.C
	c.graceGen = c.gen
}

func (c *Controller) onGraceElapsed() {
	c.grace, c.graceC = nil, nil
	if c.graceGen != c.gen {
		return
	}
	c.session = CallSession{State: c.session.State, AgentName: c.opts.AgentName}
	c.setState(StateDisconnected)
}

func (c *Controller) toggleMute() {
	c.session.IsMuted = !c.session.IsMuted
	if c.room == nil {
		return
	}
	c.setMicrophone(!c.session.IsMuted)
}

func (c *Controller) toggleSpeaker() {
	c.session.IsSpeakerOn = !c.session.IsSpeakerOn
	if !c.routeActive {
		return
	}
	want := audioroute.Earpiece
	if c.session.IsSpeakerOn {
		want = audioroute.Speakerphone
	}
	if _, ok := audioroute.PickPreferred(c.deps.Routes.Available(), []audioroute.DeviceClass{want}); !ok {
		c.log.Debug("audio route unavailable", "device", want)
		return
	}
	if err := c.deps.Routes.Select(want); err != nil {
		c.log.Debug("audio route select failed", "device", want, "err", err)
	}
}

func (c *Controller) resetError() {
	if c.session.State != StateError {
		return
	}
	c.setState(StateIdle)
}

/* ===================== HELPERS ===================== */

func (c *Controller) setState(to CallState) {
	from := c.session.State
	c.session.State = to
	if to != StateError {
		c.session.ErrorMessage = ""
		c.session.ErrorKind = ""
	}
	c.transitioned(from)
}

func (c *Controller) fail(kind ErrorKind, msg string) {
	if msg == "" {
		msg = "call failed"
	}
	from := c.session.State
	c.session.State = StateError
	c.session.ErrorKind = kind
	c.session.ErrorMessage = msg
	c.transitioned(from)
}

func (c *Controller) transitioned(from CallState) {
	to := c.session.State
	if from == to {
		return
	}
	c.log.Info("call state changed",
		"call_id", c.callID,
		"from", from,
		"to", to,
		"room", c.session.RoomIdentifier,
		"duration_s", c.session.DurationSeconds,
	)
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveTransition(Transition{
			CallID:          c.callID,
			From:            from,
			To:              to,
			Room:            c.session.RoomIdentifier,
			DurationSeconds: c.session.DurationSeconds,
			ErrorKind:       c.session.ErrorKind,
			ErrorMessage:    c.session.ErrorMessage,
			At:              c.opts.Now().UTC(),
		})
	}
}

func (c *Controller) startRoutes() {
	if err := c.deps.Routes.Start(); err != nil {
		c.log.Warn("audio route start failed", "err", err)
		return
	}
	c.routeActive = true

	d, ok := audioroute.PickPreferred(c.deps.Routes.Available(), audioroute.DefaultPreference)
	if !ok {
		c.log.Warn("no audio output device available")
		return
	}
	if err := c.deps.Routes.Select(d); err != nil {
		c.log.Warn("audio route select failed", "device", d, "err", err)
		return
	}
	c.session.IsSpeakerOn = d == audioroute.Speakerphone
}

func (c *Controller) setMicrophone(enabled bool) {
	ctx, cancel := context.WithTimeout(c.rootCtx, micCallTimeout)
	defer cancel()
	if err := c.room.SetMicrophoneEnabled(ctx, enabled); err != nil {
		c.log.Warn("microphone toggle failed", "enabled", enabled, "err", err)
	}
}

func (c *Controller) startTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.ticker = c.opts.NewTicker(time.Second)
	c.tick = c.ticker.C()
}

func (c *Controller) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace, c.graceC = nil, nil
}

// teardown is idempotent.
func (c *Controller) teardown() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker, c.tick = nil, nil
	}
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	if c.room != nil {
		room := c.room
		c.room, c.events = nil, nil
		if err := room.Disconnect(); err != nil {
			c.log.Debug("transport disconnect failed", "err", err)
		}
	}
	if c.routeActive {
		c.routeActive = false
		if err := c.deps.Routes.Stop(); err != nil {
			c.log.Debug("audio route stop failed", "err", err)
		}
	}
	c.localIdentity = ""
	c.session.RoomIdentifier = ""
	c.activity = Activity{}
}

func (c *Controller) publish() {
	if c.published && c.session == c.snap.Session && c.activity == c.snap.Activity {
		return
	}
	c.published = true
	c.seq++
	s := Snapshot{Session: c.session, Activity: c.activity, Seq: c.seq, At: c.opts.Now().UTC()}

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap = s
	for _, ch := range c.subs {
		offer(ch, s)
	}
}

// offer replaces any unread snapshot with s. Only the loop sends.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (c *Controller) closeSubscribers() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
