package call

import (
	"sync"
	"time"
)

// PresenceTracker follows the single remote participant of a call.
type PresenceTracker struct {
	mu     sync.Mutex
	remote *RemoteParticipantRef
	// lastIdentity survives departures so a rejoin can be told apart from a
	// different remote joining.
	lastIdentity string

	timer    *time.Timer
	timerGen uint64
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{}
}

// Joined records rp as the remote. It stops the never-joined timer and
// computes the initial track snapshot, since tracks may already be
// subscribed by the time the event is seen.
func (p *PresenceTracker) Joined(rp RemoteParticipant, at time.Time) (ref RemoteParticipantRef, rejoined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTimerLocked()

	id := rp.Identity()
	rejoined = p.lastIdentity == id
	ref = RemoteParticipantRef{
		Identity: id,
		JoinedAt: at,
		Tracks:   computeTrackStatus(id, rp.TrackPublications()),
	}
	p.remote = &ref
	p.lastIdentity = id
	return ref, rejoined
}

// Left clears the remote if identity matches it.
func (p *PresenceTracker) Left(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.remote.Identity != identity {
		return false
	}
	p.remote = nil
	return true
}

// UpdateTracks recomputes the snapshot for rp and reports whether it changed.
// Events for a participant other than the tracked remote are ignored.
func (p *PresenceTracker) UpdateTracks(rp RemoteParticipant) (TrackStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.remote.Identity != rp.Identity() {
		return TrackStatus{}, false
	}
	next := computeTrackStatus(rp.Identity(), rp.TrackPublications())
	if next == p.remote.Tracks {
		return next, false
	}
	p.remote.Tracks = next
	return next, true
}

func (p *PresenceTracker) Present() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

// Remote returns a copy of the current remote, if any.
func (p *PresenceTracker) Remote() (RemoteParticipantRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return RemoteParticipantRef{}, false
	}
	return *p.remote, true
}

// StartNeverJoined arms fire to run after d unless a remote joins or Stop is
// called first. It replaces any previous timer.
func (p *PresenceTracker) StartNeverJoined(d time.Duration, fire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	if p.remote != nil || d <= 0 {
		return
	}
	gen := p.timerGen
	p.timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		stale := gen != p.timerGen || p.remote != nil
		if !stale {
			p.timer = nil
		}
		p.mu.Unlock()
		if !stale {
			fire()
		}
	})
}

// Stop cancels the never-joined timer and forgets the remote.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.remote = nil
}

func (p *PresenceTracker) stopTimerLocked() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// computeTrackStatus applies the availability rule: a medium is available
// when at least one publication of that kind is subscribed and unmuted. No
// publication at all counts as muted.
func computeTrackStatus(identity string, pubs []TrackPublication) TrackStatus {
	st := TrackStatus{Identity: identity, AudioMuted: true, VideoMuted: true}
	for _, pub := range pubs {
		live := pub.Subscribed && !pub.Muted
		switch pub.Kind {
		case MediaAudio:
			st.AudioPresent = true
			if live {
				st.AudioAvailable = true
			}
		case MediaVideo:
			st.VideoPresent = true
			if live {
				st.VideoAvailable = true
			}
		}
	}
	st.AudioMuted = !st.AudioAvailable
	st.VideoMuted = !st.VideoAvailable
	return st
}
