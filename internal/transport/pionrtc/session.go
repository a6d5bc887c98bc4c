package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"callagent/internal/call"
	"callagent/internal/signaling"
)

var ErrSessionClosed = errors.New("session closed")

const eventBuffer = 64

// Session is one connection attempt: a signaling channel plus one
// PeerConnection using a fixed ICE transport policy.
type Session struct {
	api    *webrtc.API
	cfg    FactoryConfig
	policy call.ICEPolicy
	log    *zap.Logger
	tracer trace.Tracer

	emitMu   sync.Mutex
	events   chan call.Event
	disposed bool

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	sig          signaling.Conn
	local        *localParticipant
	state        call.ConnectionState
	wasConnected bool
	closing      bool
	remotes      map[string]*remoteParticipant
	ssrcOwner    map[webrtc.SSRC]string

	connected     chan struct{}
	failed        chan struct{}
	connectedOnce sync.Once
	failedOnce    sync.Once
	disposeOnce   sync.Once
}

var _ call.Session = (*Session)(nil)

func newSession(api *webrtc.API, cfg FactoryConfig, policy call.ICEPolicy, log *zap.Logger) *Session {
	return &Session{
		api:       api,
		cfg:       cfg,
		policy:    policy,
		log:       log.With(zap.Stringer("ice_policy", policy)),
		tracer:    otel.Tracer("pionrtc"),
		events:    make(chan call.Event, eventBuffer),
		remotes:   make(map[string]*remoteParticipant),
		ssrcOwner: make(map[webrtc.SSRC]string),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// Connect dials signaling, negotiates the PeerConnection and blocks until
// ICE connects. Timeouts are reported as call.ErrTransportTimeout and ICE
// failure as call.ErrMediaConnect.
func (s *Session) Connect(ctx context.Context, url, token string, opts call.ConnectOptions) error {
	ctx, span := s.tracer.Start(ctx, "pionrtc.Connect", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("ice_policy", opts.Policy.String()),
	))
	defer span.End()

	s.setState(call.StateConnecting)

	sig, err := s.cfg.Dial(ctx, url)
	if err != nil {
		return connectErr(ctx, fmt.Errorf("signaling: %w", err))
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sig.Close()
		return ErrSessionClosed
	}
	s.sig = sig
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         s.cfg.ICEServers,
		ICETransportPolicy: transportPolicy(opts.Policy),
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	local, err := s.attachPeer(pc)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return connectErr(ctx, ctx.Err())
	}

	resp, err := sig.Join(ctx, signaling.JoinRequest{
		Token:     token,
		OfferSDP:  pc.LocalDescription().SDP,
		ICEPolicy: opts.Policy.String(),
	})
	if err != nil {
		return connectErr(ctx, fmt.Errorf("join: %w", err))
	}
	s.emit(call.Event{Kind: call.EventSignalConnected, At: time.Now()})
	local.setIdentity(resp.Identity)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.AnswerSDP}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	for _, p := range resp.Participants {
		s.upsertRemote(p)
	}
	go s.watchSignaling(sig)

	select {
	case <-s.connected:
		s.log.Debug("peer connection established", zap.String("identity", resp.Identity))
		return nil
	case <-s.failed:
		return fmt.Errorf("%w: ice failed with policy %s", call.ErrMediaConnect, opts.Policy)
	case <-ctx.Done():
		return connectErr(ctx, ctx.Err())
	}
}

// attachPeer installs pc, its send transceivers and its callbacks.
func (s *Session) attachPeer(pc *webrtc.PeerConnection) (*localParticipant, error) {
	audio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}
	video, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}
	local := &localParticipant{sess: s, source: s.cfg.Media, audio: audio.Sender(), video: video.Sender()}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		pc.Close()
		return nil, ErrSessionClosed
	}
	s.pc = pc
	s.local = local
	s.mu.Unlock()

	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(s.onPeerState)
	return local, nil
}

func connectErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", call.ErrTransportTimeout, err)
	}
	return err
}

func (s *Session) onPeerState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	prev := s.state
	closing := s.closing
	ev := call.Event{At: time.Now()}
	notify := false

	switch st {
	case webrtc.PeerConnectionStateConnecting:
		if !s.wasConnected {
			s.state = call.StateConnecting
		}
	case webrtc.PeerConnectionStateConnected:
		s.state = call.StateConnected
		s.wasConnected = true
		if prev == call.StateReconnecting {
			ev.Kind, notify = call.EventReconnected, true
		}
	case webrtc.PeerConnectionStateDisconnected:
		if s.wasConnected {
			s.state = call.StateReconnecting
			ev.Kind, notify = call.EventReconnecting, true
		}
	case webrtc.PeerConnectionStateFailed:
		s.state = call.StateFailed
		if s.wasConnected {
			ev.Kind, ev.Reason, notify = call.EventDisconnected, "ice failed", true
		}
	case webrtc.PeerConnectionStateClosed:
		s.state = call.StateDisconnected
		if s.wasConnected {
			ev.Kind, ev.Reason, notify = call.EventDisconnected, "peer connection closed", true
		}
	}
	s.mu.Unlock()

	s.log.Debug("peer connection state changed", zap.String("state", st.String()))
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
	case webrtc.PeerConnectionStateFailed:
		s.failedOnce.Do(func() { close(s.failed) })
	}
	if notify && !closing {
		s.emit(ev)
	}
}

func (s *Session) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	identity := track.StreamID()
	s.mu.Lock()
	rp, ok := s.remotes[identity]
	if !ok {
		rp = newRemoteParticipant(signaling.ParticipantInfo{Identity: identity})
		s.remotes[identity] = rp
	}
	s.ssrcOwner[track.SSRC()] = identity
	s.mu.Unlock()

	rp.subscribe(mediaKind(track.Kind()), track.ID())
	s.emit(call.Event{Kind: call.EventTrackSubscribed, Participant: rp, At: time.Now()})

	// rendering is not ours; keep reading so the receive buffers drain
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (s *Session) watchSignaling(sig signaling.Conn) {
	for n := range sig.Notifications() {
		s.applyNotification(n)
	}
}

func (s *Session) applyNotification(n signaling.Notification) {
	ev := call.Event{At: time.Now()}
	switch n.Kind {
	case signaling.NotifyParticipantJoined:
		ev.Kind, ev.Participant = call.EventParticipantConnected, s.upsertRemote(n.Participant)
	case signaling.NotifyParticipantLeft:
		rp := s.removeRemote(n.Participant.Identity)
		if rp == nil {
			return
		}
		ev.Kind, ev.Participant = call.EventParticipantDisconnected, rp
	case signaling.NotifyTrackPublished:
		rp := s.upsertRemote(signaling.ParticipantInfo{Identity: n.Participant.Identity})
		rp.publish(n.Track)
		ev.Kind, ev.Participant = call.EventTrackPublished, rp
	case signaling.NotifyTrackMuted, signaling.NotifyTrackUnmuted:
		rp := s.remote(n.Participant.Identity)
		muted := n.Kind == signaling.NotifyTrackMuted
		if rp == nil || !rp.setMuted(n.Track.SID, muted) {
			return
		}
		ev.Kind, ev.Participant = call.EventTrackUnmuted, rp
		if muted {
			ev.Kind = call.EventTrackMuted
		}
	case signaling.NotifyReconnecting:
		ev.Kind = call.EventReconnecting
	case signaling.NotifyReconnected:
		ev.Kind = call.EventReconnected
	case signaling.NotifyClosed:
		if s.isClosing() {
			return
		}
		ev.Kind, ev.Reason = call.EventDisconnected, "signaling closed: "+n.Reason
	default:
		return
	}
	s.emit(ev)
}

// upsertRemote returns the tracked participant for info, merging any
// publications info carries.
func (s *Session) upsertRemote(info signaling.ParticipantInfo) *remoteParticipant {
	s.mu.Lock()
	rp, ok := s.remotes[info.Identity]
	if !ok {
		rp = newRemoteParticipant(info)
		s.remotes[info.Identity] = rp
	}
	s.mu.Unlock()
	if ok {
		for _, t := range info.Tracks {
			rp.publish(t)
		}
	}
	return rp
}

func (s *Session) removeRemote(identity string) *remoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.remotes[identity]
	delete(s.remotes, identity)
	for ssrc, owner := range s.ssrcOwner {
		if owner == identity {
			delete(s.ssrcOwner, ssrc)
		}
	}
	return rp
}

func (s *Session) remote(identity string) *remoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotes[identity]
}

func (s *Session) emit(ev call.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.disposed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session event dropped", zap.Stringer("kind", ev.Kind))
	}
}

func (s *Session) setState(st call.ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// signaling returns the channel for local media commands, nil once the
// session is closing.
func (s *Session) signaling() signaling.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	return s.sig
}

// Disconnect leaves the call and closes the PeerConnection.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	sig, pc := s.sig, s.pc
	s.mu.Unlock()

	var errs []error
	if sig != nil {
		if err := sig.Leave(ctx); err != nil && !errors.Is(err, signaling.ErrClosed) {
			errs = append(errs, fmt.Errorf("leave: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Dispose releases everything without any handshake and closes Events.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		sig, pc := s.sig, s.pc
		s.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				s.log.Debug("close peer connection", zap.Error(err))
			}
		}
		if sig != nil {
			if err := sig.Close(); err != nil {
				s.log.Debug("close signaling", zap.Error(err))
			}
		}

		s.emitMu.Lock()
		s.disposed = true
		close(s.events)
		s.emitMu.Unlock()
	})
}

func (s *Session) Events() <-chan call.Event { return s.events }

func (s *Session) ConnectionState() call.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalParticipant() call.LocalParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return nil
	}
	return s.local
}

func (s *Session) RemoteParticipants() []call.RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]call.RemoteParticipant, 0, len(s.remotes))
	for _, rp := range s.remotes {
		out = append(out, rp)
	}
	return out
}

func (s *Session) Stats(ctx context.Context) (call.StatsReport, error) {
	s.mu.Lock()
	pc, local := s.pc, s.local
	owners := make(map[webrtc.SSRC]string, len(s.ssrcOwner))
	for k, v := range s.ssrcOwner {
		owners[k] = v
	}
	s.mu.Unlock()
	if pc == nil {
		return call.StatsReport{}, call.ErrNotConnected
	}

	var localID string
	if local != nil {
		localID = local.Identity()
	}
	return parseStats(pc.GetStats(), owners, localID), nil
}
