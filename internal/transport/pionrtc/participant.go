package pionrtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"callagent/internal/call"
	"callagent/internal/signaling"
)

type remoteParticipant struct {
	identity string

	mu   sync.Mutex
	pubs []call.TrackPublication
}

var _ call.RemoteParticipant = (*remoteParticipant)(nil)

func newRemoteParticipant(info signaling.ParticipantInfo) *remoteParticipant {
	rp := &remoteParticipant{identity: info.Identity}
	for _, t := range info.Tracks {
		rp.publish(t)
	}
	return rp
}

func (r *remoteParticipant) Identity() string { return r.identity }

func (r *remoteParticipant) TrackPublications() []call.TrackPublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.TrackPublication(nil), r.pubs...)
}

// publish records a signaled publication, keeping its subscription state
// if it is already known.
func (r *remoteParticipant) publish(t signaling.TrackInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pubs {
		if r.pubs[i].SID == t.SID {
			r.pubs[i].Muted = t.Muted
			return
		}
	}
	r.pubs = append(r.pubs, call.TrackPublication{SID: t.SID, Kind: call.MediaKind(t.Kind), Muted: t.Muted})
}

func (r *remoteParticipant) setMuted(sid string, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pubs {
		if r.pubs[i].SID == sid {
			r.pubs[i].Muted = muted
			return true
		}
	}
	return false
}

// subscribe marks the first unsubscribed publication of kind as received.
// Media that arrives before its publication was signaled gets its own entry.
func (r *remoteParticipant) subscribe(kind call.MediaKind, sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pubs {
		if r.pubs[i].Kind == kind && !r.pubs[i].Subscribed {
			r.pubs[i].Subscribed = true
			return
		}
	}
	r.pubs = append(r.pubs, call.TrackPublication{SID: sid, Kind: kind, Subscribed: true})
}

type localParticipant struct {
	sess   *Session
	source MediaSource
	audio  *webrtc.RTPSender
	video  *webrtc.RTPSender

	mu       sync.Mutex
	identity string
	mic      *CaptureTrack
	cam      *CaptureTrack
}

var _ call.LocalParticipant = (*localParticipant)(nil)

func (l *localParticipant) Identity() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity
}

func (l *localParticipant) setIdentity(id string) {
	l.mu.Lock()
	l.identity = id
	l.mu.Unlock()
}

func (l *localParticipant) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return l.setEnabled(ctx, call.MediaAudio, enabled)
}

func (l *localParticipant) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return l.setEnabled(ctx, call.MediaVideo, enabled)
}

func (l *localParticipant) setEnabled(ctx context.Context, kind call.MediaKind, enabled bool) error {
	sender := l.audio
	if kind == call.MediaVideo {
		sender = l.video
	}

	if !enabled {
		if err := sender.ReplaceTrack(nil); err != nil {
			return err
		}
		return l.signalMuted(ctx, kind, true)
	}

	track, err := l.capture(ctx, kind)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(track.Track); err != nil {
		return err
	}
	return l.signalMuted(ctx, kind, false)
}

func (l *localParticipant) capture(ctx context.Context, kind call.MediaKind) (*CaptureTrack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot := &l.mic
	if kind == call.MediaVideo {
		slot = &l.cam
	}
	if *slot != nil {
		return *slot, nil
	}
	if l.source == nil {
		return nil, ErrNoMediaSource
	}

	var (
		track *CaptureTrack
		err   error
	)
	if kind == call.MediaVideo {
		track, err = l.source.Camera(ctx, l.identity)
	} else {
		track, err = l.source.Microphone(ctx, l.identity)
	}
	if err != nil {
		return nil, err
	}
	*slot = track
	return track, nil
}

func (l *localParticipant) signalMuted(ctx context.Context, kind call.MediaKind, muted bool) error {
	sig := l.sess.signaling()
	if sig == nil {
		return nil
	}
	return sig.SetMuted(ctx, string(kind), muted)
}

// StopTracks detaches and releases local capture without signaling.
func (l *localParticipant) StopTracks() {
	_ = l.audio.ReplaceTrack(nil)
	_ = l.video.ReplaceTrack(nil)

	l.mu.Lock()
	mic, cam := l.mic, l.cam
	l.mic, l.cam = nil, nil
	l.mu.Unlock()
	for _, t := range []*CaptureTrack{mic, cam} {
		if t != nil && t.Stop != nil {
			t.Stop()
		}
	}
}

func (l *localParticipant) UnpublishAll(ctx context.Context) error {
	return errors.Join(
		l.setEnabled(ctx, call.MediaAudio, false),
		l.setEnabled(ctx, call.MediaVideo, false),
	)
}
