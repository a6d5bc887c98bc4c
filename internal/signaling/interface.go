package signaling

import "context"

// Conn is the signaling channel of one call session.
type Conn interface {
	Join(ctx context.Context, req JoinRequest) (*JoinResponse, error)
	SetMuted(ctx context.Context, kind string, muted bool) error
	Leave(ctx context.Context) error
	// Notifications is closed once the connection is gone for good.
	Notifications() <-chan Notification
	Close() error
}

type JoinRequest struct {
	Token     string
	OfferSDP  string
	ICEPolicy string
}

type JoinResponse struct {
	Identity     string
	AnswerSDP    string
	Participants []ParticipantInfo
}

type TrackInfo struct {
	SID   string
	Kind  string
	Muted bool
}

type ParticipantInfo struct {
	Identity string
	Tracks   []TrackInfo
}

type NotificationKind string

const (
	NotifyParticipantJoined NotificationKind = "participant-joined"
	NotifyParticipantLeft   NotificationKind = "participant-left"
	NotifyTrackPublished    NotificationKind = "track-published"
	NotifyTrackMuted        NotificationKind = "track-muted"
	NotifyTrackUnmuted      NotificationKind = "track-unmuted"

	// Generated locally by the client, never sent by the server.
	NotifyReconnecting NotificationKind = "reconnecting"
	NotifyReconnected  NotificationKind = "reconnected"
	NotifyClosed       NotificationKind = "closed"
)

// Notification is a server push or a local connection status change.
type Notification struct {
	Kind        NotificationKind
	Participant ParticipantInfo
	Track       TrackInfo
	Reason      string
}
