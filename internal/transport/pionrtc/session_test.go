package pionrtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callagent/internal/call"
	"callagent/internal/signaling"
)

func TestTransportPolicy(t *testing.T) {
	assert.Equal(t, webrtc.ICETransportPolicyAll, transportPolicy(call.ICEPolicyDefault))
	assert.Equal(t, webrtc.ICETransportPolicyRelay, transportPolicy(call.ICEPolicyRelay))
}

func TestParseStats(t *testing.T) {
	report := webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{SSRC: 7, PacketsSent: 100, BytesSent: 12000},
		"rin": webrtc.RemoteInboundRTPStreamStats{SSRC: 7, PacketsLost: 2, RoundTripTime: 0.05},
		"in1": webrtc.InboundRTPStreamStats{SSRC: 1, PacketsReceived: 50, BytesReceived: 5000, PacketsLost: 5, Jitter: 0.01},
		"in2": webrtc.InboundRTPStreamStats{SSRC: 2, PacketsReceived: 30, BytesReceived: 3000, Jitter: 0.02},
		"in3": webrtc.InboundRTPStreamStats{SSRC: 9, PacketsReceived: 1},
	}
	owners := map[webrtc.SSRC]string{1: "bob", 2: "bob"}

	got := parseStats(report, owners, "alice")

	assert.Equal(t, call.ParticipantStats{
		Identity:      "alice",
		PacketsSent:   100,
		BytesSent:     12000,
		PacketsLost:   2,
		RoundTripTime: 50 * time.Millisecond,
	}, got.Local)
	require.Len(t, got.Remote, 2)
	assert.Equal(t, call.ParticipantStats{
		Identity:        "bob",
		PacketsReceived: 80,
		BytesReceived:   8000,
		PacketsLost:     5,
		Jitter:          0.02,
	}, got.Remote[0])
	assert.Equal(t, unknownParticipant, got.Remote[1].Identity)
}

func TestRemoteParticipant_Publications(t *testing.T) {
	rp := newRemoteParticipant(signaling.ParticipantInfo{
		Identity: "bob",
		Tracks:   []signaling.TrackInfo{{SID: "TR_a", Kind: "audio"}},
	})

	rp.subscribe(call.MediaAudio, "ignored")
	rp.subscribe(call.MediaVideo, "TR_early")
	rp.publish(signaling.TrackInfo{SID: "TR_a", Kind: "audio", Muted: true})
	assert.True(t, rp.setMuted("TR_early", true))
	assert.False(t, rp.setMuted("TR_missing", true))

	assert.Equal(t, []call.TrackPublication{
		{SID: "TR_a", Kind: call.MediaAudio, Subscribed: true, Muted: true},
		{SID: "TR_early", Kind: call.MediaVideo, Subscribed: true, Muted: true},
	}, rp.TrackPublications())
}

func newBareSession() *Session {
	return newSession(nil, FactoryConfig{}, call.ICEPolicyDefault, zap.NewNop())
}

func nextEvent(t *testing.T, s *Session) call.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no session event")
		return call.Event{}
	}
}

func TestSession_ApplyNotification(t *testing.T) {
	s := newBareSession()
	defer s.Dispose()

	s.applyNotification(signaling.Notification{Kind: signaling.NotifyParticipantJoined, Participant: signaling.ParticipantInfo{Identity: "bob"}})
	ev := nextEvent(t, s)
	assert.Equal(t, call.EventParticipantConnected, ev.Kind)
	assert.Equal(t, "bob", ev.Participant.Identity())

	s.applyNotification(signaling.Notification{
		Kind:        signaling.NotifyTrackPublished,
		Participant: signaling.ParticipantInfo{Identity: "bob"},
		Track:       signaling.TrackInfo{SID: "TR_v", Kind: "video"},
	})
	ev = nextEvent(t, s)
	assert.Equal(t, call.EventTrackPublished, ev.Kind)
	require.Len(t, ev.Participant.TrackPublications(), 1)

	s.applyNotification(signaling.Notification{
		Kind:        signaling.NotifyTrackMuted,
		Participant: signaling.ParticipantInfo{Identity: "bob"},
		Track:       signaling.TrackInfo{SID: "TR_v"},
	})
	ev = nextEvent(t, s)
	assert.Equal(t, call.EventTrackMuted, ev.Kind)
	assert.True(t, ev.Participant.TrackPublications()[0].Muted)

	// unknown track and unknown participant are dropped
	s.applyNotification(signaling.Notification{Kind: signaling.NotifyTrackUnmuted, Participant: signaling.ParticipantInfo{Identity: "bob"}, Track: signaling.TrackInfo{SID: "nope"}})
	s.applyNotification(signaling.Notification{Kind: signaling.NotifyParticipantLeft, Participant: signaling.ParticipantInfo{Identity: "carol"}})

	s.applyNotification(signaling.Notification{Kind: signaling.NotifyReconnecting})
	assert.Equal(t, call.EventReconnecting, nextEvent(t, s).Kind)
	s.applyNotification(signaling.Notification{Kind: signaling.NotifyReconnected})
	assert.Equal(t, call.EventReconnected, nextEvent(t, s).Kind)

	s.applyNotification(signaling.Notification{Kind: signaling.NotifyParticipantLeft, Participant: signaling.ParticipantInfo{Identity: "bob"}})
	ev = nextEvent(t, s)
	assert.Equal(t, call.EventParticipantDisconnected, ev.Kind)
	assert.Empty(t, s.RemoteParticipants())

	s.applyNotification(signaling.Notification{Kind: signaling.NotifyClosed, Reason: "redial budget exhausted"})
	ev = nextEvent(t, s)
	assert.Equal(t, call.EventDisconnected, ev.Kind)
	assert.Contains(t, ev.Reason, "redial budget exhausted")
}

func TestSession_ClosedNotificationIgnoredWhileClosing(t *testing.T) {
	s := newBareSession()
	require.NoError(t, s.Disconnect(context.Background()))
	s.applyNotification(signaling.Notification{Kind: signaling.NotifyClosed})

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}
	s.Dispose()
}

func TestSession_DisposeIsIdempotent(t *testing.T) {
	s := newBareSession()
	assert.Nil(t, s.LocalParticipant())
	_, err := s.Stats(context.Background())
	assert.ErrorIs(t, err, call.ErrNotConnected)

	s.Dispose()
	s.Dispose()
	_, ok := <-s.Events()
	assert.False(t, ok)

	// emitting after dispose must not panic
	s.applyNotification(signaling.Notification{Kind: signaling.NotifyReconnecting})
}

// loopbackSignal answers joins with an in-process pion peer.
type loopbackSignal struct {
	answerer *webrtc.PeerConnection
	notes    chan signaling.Notification

	mu        sync.Mutex
	muted     map[string]bool
	left      atomic.Bool
	closeOnce sync.Once
}

func newLoopbackSignal(t *testing.T) *loopbackSignal {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterDefaultCodecs())
	pc, err := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	return &loopbackSignal{answerer: pc, notes: make(chan signaling.Notification, 8), muted: make(map[string]bool)}
}

func (l *loopbackSignal) Join(ctx context.Context, req signaling.JoinRequest) (*signaling.JoinResponse, error) {
	if err := l.answerer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.OfferSDP}); err != nil {
		return nil, err
	}
	answer, err := l.answerer.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.answerer.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-webrtc.GatheringCompletePromise(l.answerer)
	return &signaling.JoinResponse{
		Identity:  "alice",
		AnswerSDP: l.answerer.LocalDescription().SDP,
		Participants: []signaling.ParticipantInfo{
			{Identity: "bob", Tracks: []signaling.TrackInfo{{SID: "TR_a", Kind: "audio"}}},
		},
	}, nil
}

func (l *loopbackSignal) SetMuted(ctx context.Context, kind string, muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted[kind] = muted
	return nil
}

func (l *loopbackSignal) Leave(ctx context.Context) error {
	l.left.Store(true)
	return nil
}

func (l *loopbackSignal) Notifications() <-chan signaling.Notification { return l.notes }

func (l *loopbackSignal) Close() error {
	l.closeOnce.Do(func() { close(l.notes) })
	return l.answerer.Close()
}

func newLoopbackFactory(t *testing.T, sig *loopbackSignal) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryConfig{
		IncludeLoopback: true,
		Media:           SilentSource{},
		Dial: func(ctx context.Context, url string) (signaling.Conn, error) {
			return sig, nil
		},
	})
	require.NoError(t, err)
	return f
}

func TestSession_LoopbackConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	sig := newLoopbackSignal(t)
	f := newLoopbackFactory(t, sig)

	sess, err := f.NewSession(call.ICEPolicyDefault)
	require.NoError(t, err)
	defer sess.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx, "loopback", "tok", call.ConnectOptions{Policy: call.ICEPolicyDefault}))
	assert.Equal(t, call.StateConnected, sess.ConnectionState())

	lp := sess.LocalParticipant()
	require.NotNil(t, lp)
	assert.Equal(t, "alice", lp.Identity())

	remotes := sess.RemoteParticipants()
	require.Len(t, remotes, 1)
	assert.Equal(t, "bob", remotes[0].Identity())

	require.NoError(t, lp.SetMicrophoneEnabled(ctx, true))
	sig.mu.Lock()
	muted, signaled := sig.muted["audio"]
	sig.mu.Unlock()
	assert.True(t, signaled)
	assert.False(t, muted)

	_, err = sess.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Disconnect(ctx))
	assert.True(t, sig.left.Load())
}

func TestSession_RelayWithoutServersTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	sig := newLoopbackSignal(t)
	f := newLoopbackFactory(t, sig)

	sess, err := f.NewSession(call.ICEPolicyRelay)
	require.NoError(t, err)
	defer sess.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = sess.Connect(ctx, "loopback", "tok", call.ConnectOptions{Policy: call.ICEPolicyRelay})
	require.Error(t, err)
	assert.True(t, errors.Is(err, call.ErrTransportTimeout) || errors.Is(err, call.ErrMediaConnect), "got %v", err)
}

func TestSession_LocalMediaWithoutSource(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	sig := newLoopbackSignal(t)
	f, err := NewFactory(FactoryConfig{
		IncludeLoopback: true,
		Dial:            func(context.Context, string) (signaling.Conn, error) { return sig, nil },
	})
	require.NoError(t, err)

	sess, err := f.NewSession(call.ICEPolicyDefault)
	require.NoError(t, err)
	defer sess.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx, "loopback", "tok", call.ConnectOptions{}))
	assert.ErrorIs(t, sess.LocalParticipant().SetCameraEnabled(ctx, true), ErrNoMediaSource)
}

func TestNewFactory_RequiresDialer(t *testing.T) {
	_, err := NewFactory(FactoryConfig{})
	assert.Error(t, err)
}
