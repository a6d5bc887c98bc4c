package call

import (
	"context"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// TrackPublication is a snapshot of one remote track.
type TrackPublication struct {
	SID        string
	Kind       MediaKind
	Subscribed bool
	Muted      bool
}

// RemoteParticipant is owned by the Session; the coordinator keeps only its identity.
type RemoteParticipant interface {
	Identity() string
	TrackPublications() []TrackPublication
}

// LocalParticipant controls the local media of a Session.
type LocalParticipant interface {
	Identity() string
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	// StopTracks stops local capture without any signaling round trip.
	StopTracks()
	// UnpublishAll removes local tracks from the session and signals it.
	UnpublishAll(ctx context.Context) error
}

type EventKind int

const (
	EventSignalConnected EventKind = iota
	EventReconnecting
	EventReconnected
	EventParticipantConnected
	EventParticipantDisconnected
	EventTrackPublished
	EventTrackSubscribed
	EventTrackUnsubscribed
	EventTrackMuted
	EventTrackUnmuted
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventSignalConnected:
		return "signal_connected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventParticipantConnected:
		return "participant_connected"
	case EventParticipantDisconnected:
		return "participant_disconnected"
	case EventTrackPublished:
		return "track_published"
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnsubscribed:
		return "track_unsubscribed"
	case EventTrackMuted:
		return "track_muted"
	case EventTrackUnmuted:
		return "track_unmuted"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session. Participant is set for participant and
// track events; Reason for EventDisconnected.
type Event struct {
	Kind        EventKind
	Participant RemoteParticipant
	Reason      string
	At          time.Time
}

type ConnectOptions struct {
	Policy        ICEPolicy
	AutoSubscribe bool
}

// Session is one connection attempt to the media server.
type Session interface {
	// Connect blocks until the session is connected, ctx ends or it fails.
	Connect(ctx context.Context, url, token string, opts ConnectOptions) error
	// Disconnect performs the graceful close handshake.
	Disconnect(ctx context.Context) error
	// Dispose releases everything immediately. Safe after Disconnect.
	Dispose()
	// Events is closed after Dispose.
	Events() <-chan Event
	ConnectionState() ConnectionState
	LocalParticipant() LocalParticipant
	RemoteParticipants() []RemoteParticipant
	Stats(ctx context.Context) (StatsReport, error)
}

// SessionFactory creates a fresh Session for each connect try.
type SessionFactory interface {
	NewSession(policy ICEPolicy) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(policy ICEPolicy) (Session, error)

func (f SessionFactoryFunc) NewSession(policy ICEPolicy) (Session, error) { return f(policy) }

// AudioRouter is the platform audio routing service. The coordinator never
// selects devices itself.
type AudioRouter interface {
	CurrentOutput() string
	DeviceChanges() <-chan string
	FallbackToSpeaker(ctx context.Context) error
}
