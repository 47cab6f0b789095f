// Package livekit adapts a LiveKit room to the transport.Room port.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"voiceagent/internal/transport"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	defaultTranscriptTopic = "transcription"
	eventBuffer            = 64
)

// Options configures rooms created by NewFactory.
type Options struct {
	Logger *slog.Logger

	// Audio plays subscribed remote audio. Nil drains tracks unplayed.
	Audio AudioSink

	// OnMicrophone is handed the published microphone track so the host
	// can write captured samples into it.
	OnMicrophone func(track *lksdk.LocalTrack)

	// TranscriptTopic selects the data packets surfaced as transcript text.
	TranscriptTopic string
}

// NewFactory returns a factory that builds one Room per call.
func NewFactory(opts Options) transport.Factory {
	return transport.FactoryFunc(func() transport.Room { return New(opts) })
}

// Room is a single-use LiveKit connection.
type Room struct {
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	room   *lksdk.Room
	mic    *lksdk.LocalTrackPublication
	closed bool

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Room {
	if opts.TranscriptTopic == "" {
		opts.TranscriptTopic = defaultTranscriptTopic
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Room{
		opts:   opts,
		log:    l.With("component", "livekit_room"),
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (r *Room) Events() <-chan transport.Event { return r.events }

func (r *Room) Connect(ctx context.Context, serverURL, token string) error {
	if serverURL == "" {
		return errors.New("livekit: server url is required")
	}
	if token == "" {
		return errors.New("livekit: token is required")
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(serverURL, token, r.callback(), lksdk.WithAutoSubscribe(true))
		ch <- result{room: room, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The SDK call is not cancellable; leave the room once it returns.
		go func() {
			if late := <-ch; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return ctx.Err()
	case <-r.done:
		go func() {
			if late := <-ch; late.room != nil {
				late.room.Disconnect()
			}
		}()
		return transport.ErrNotConnected
	}
	if res.err != nil {
		return fmt.Errorf("livekit connect: %w", res.err)
	}

	pub, err := r.publishMicrophone(res.room)
	if err != nil {
		res.room.Disconnect()
		return err
	}

	r.mu.Lock()
	r.room = res.room
	r.mic = pub
	r.mu.Unlock()

	r.log.Info("room connected", "room", res.room.Name(), "identity", res.room.LocalParticipant.Identity())
	return nil
}

func (r *Room) publishMicrophone(room *lksdk.Room) (*lksdk.LocalTrackPublication, error) {
	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("livekit microphone track: %w", err)
	}
	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return nil, fmt.Errorf("livekit publish microphone: %w", err)
	}
	// Stays muted until the controller enables it.
	pub.SetMuted(true)
	if r.opts.OnMicrophone != nil {
		r.opts.OnMicrophone(track)
	}
	return pub, nil
}

func (r *Room) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	r.mu.RLock()
	pub := r.mic
	r.mu.RUnlock()
	if pub == nil {
		return transport.ErrNotConnected
	}
	pub.SetMuted(!enabled)
	return nil
}

func (r *Room) LocalIdentity() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.room == nil || r.room.LocalParticipant == nil {
		return ""
	}
	return r.room.LocalParticipant.Identity()
}

func (r *Room) Disconnect() error {
	r.closeOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		room := r.room
		r.room = nil
		r.mic = nil
		r.closed = true
		close(r.events)
		r.mu.Unlock()

		if room != nil {
			room.Disconnect()
			r.log.Info("room disconnected")
		}
	})
	return nil
}

func (r *Room) emit(ev transport.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Room) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.log.Debug("track subscribed", "track", track.ID(), "participant", rp.Identity(), "kind", track.Kind().String())
				r.emit(transport.Event{
					Type:  transport.EventTrackSubscribed,
					Kind:  kindOf(track),
					Track: newRemoteTrack(track, r),
				})
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, _ *lksdk.RemoteParticipant) {
				r.emit(transport.Event{Type: transport.EventTrackUnsubscribed, Kind: kindOf(track)})
			},
			OnDataPacket: func(data lksdk.DataPacket, _ lksdk.DataReceiveParams) {
				pkt, ok := data.(*lksdk.UserDataPacket)
				if !ok || pkt.Topic != r.opts.TranscriptTopic || len(pkt.Payload) == 0 {
					return
				}
				r.emit(transport.Event{Type: transport.EventTranscriptReceived, Text: string(pkt.Payload)})
			},
		},
		OnActiveSpeakersChanged: func(ps []lksdk.Participant) {
			ids := make([]string, 0, len(ps))
			for _, p := range ps {
				ids = append(ids, p.Identity())
			}
			r.emit(transport.Event{Type: transport.EventActiveSpeakersChanged, Speakers: ids})
		},
		OnReconnecting: func() {
			r.log.Warn("room reconnecting")
			r.emit(transport.Event{Type: transport.EventReconnecting})
		},
		OnReconnected: func() {
			r.log.Info("room reconnected")
			r.emit(transport.Event{Type: transport.EventReconnected})
		},
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			r.log.Info("room disconnected by server", "reason", string(reason))
			r.emit(disconnectEvent(reason))
		},
	}
}

func kindOf(track *webrtc.TrackRemote) transport.TrackKind {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		return transport.TrackKindAudio
	}
	return transport.TrackKindVideo
}

// disconnectEvent maps a server-side disconnect. A failed connection surfaces
// as ConnectFailed so the call reports an error instead of a clean hang-up.
func disconnectEvent(reason lksdk.DisconnectionReason) transport.Event {
	if reason == lksdk.Failed {
		return transport.Event{Type: transport.EventConnectFailed, Err: errors.New(string(reason))}
	}
	return transport.Event{Type: transport.EventDisconnected}
}

type remoteTrack struct {
	id   string
	next func() (*rtp.Packet, error)
	room *Room
	once sync.Once
}

func newRemoteTrack(track *webrtc.TrackRemote, room *Room) *remoteTrack {
	return &remoteTrack{
		id:   track.ID(),
		room: room,
		next: func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		},
	}
}

func (t *remoteTrack) ID() string { return t.id }

// Play hands the track to the audio sink at gain and pumps it until it ends
// or the room closes. Later calls are no-ops.
func (t *remoteTrack) Play(gain float64) error {
	var err error
	t.once.Do(func() {
		var w PacketWriter
		if sink := t.room.opts.Audio; sink == nil {
			t.room.log.Warn("no audio sink configured; remote audio is discarded", "track", t.id)
		} else if w, err = sink.OpenTrack(t.id, gain); err != nil {
			err = fmt.Errorf("livekit open audio sink: %w", err)
			w = nil
		}
		// Drain even without a writer so the track does not back up.
		go t.pump(w)
	})
	return err
}

func (t *remoteTrack) pump(w PacketWriter) {
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				t.room.log.Debug("audio sink close failed", "track", t.id, "err", err)
			}
		}
	}()
	for {
		select {
		case <-t.room.done:
			return
		default:
		}
		pkt, err := t.next()
		if err != nil {
			t.room.log.Debug("track ended", "track", t.id, "err", err)
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.room.log.Warn("audio sink write failed", "track", t.id, "err", err)
			_ = w.Close()
			w = nil
		}
	}
}
