package call

import (
	"time"
)

// ConnectionState is the coordinator's view of one call attempt.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds transport resources.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// CallEndReason explains why an attempt ended. Produced once per attempt.
type CallEndReason int

const (
	EndRemoteLeft CallEndReason = iota
	EndTimeout
	EndConnectionFailure
	EndError
	EndUserEnded
)

func (r CallEndReason) String() string {
	switch r {
	case EndRemoteLeft:
		return "remote_left"
	case EndTimeout:
		return "timeout"
	case EndConnectionFailure:
		return "connection_failure"
	case EndError:
		return "error"
	case EndUserEnded:
		return "user_ended"
	default:
		return "unknown"
	}
}

// ICEPolicy selects which candidate types the transport may use.
type ICEPolicy int

const (
	ICEPolicyDefault ICEPolicy = iota
	ICEPolicyRelay
)

func (p ICEPolicy) String() string {
	if p == ICEPolicyRelay {
		return "relay"
	}
	return "default"
}

// Opposite returns the policy used for the single retry.
func (p ICEPolicy) Opposite() ICEPolicy {
	if p == ICEPolicyRelay {
		return ICEPolicyDefault
	}
	return ICEPolicyRelay
}

type AttemptKind int

const (
	AttemptFirst AttemptKind = iota
	AttemptRetry
)

func (k AttemptKind) String() string {
	if k == AttemptRetry {
		return "retry"
	}
	return "first"
}

// Attempt identifies one connect→disconnect lifecycle.
type Attempt struct {
	ID          string
	URL         string
	Token       string
	EnableAudio bool
	EnableVideo bool
	Policy      ICEPolicy
	Kind        AttemptKind
	Retries     int
	StartedAt   time.Time
}

// TrackStatus is the deliverability snapshot of a remote participant's media.
type TrackStatus struct {
	Identity       string
	AudioPresent   bool
	AudioMuted     bool
	AudioAvailable bool
	VideoPresent   bool
	VideoMuted     bool
	VideoAvailable bool
}

// RemoteParticipantRef tracks a remote by identity only; the transport owns
// the participant itself.
type RemoteParticipantRef struct {
	Identity string
	JoinedAt time.Time
	Tracks   TrackStatus
}

// ConnectionStateChange is published on the connection-state feed.
type ConnectionStateChange struct {
	State     ConnectionState
	Connected bool
	At        time.Time
}

// LocalParticipantUpdate is published when local identity or media toggles change.
type LocalParticipantUpdate struct {
	Identity          string
	MicrophoneEnabled bool
	CameraEnabled     bool
}

// RemoteParticipantUpdate is published on remote join/leave. Present is false
// on departure.
type RemoteParticipantUpdate struct {
	Identity string
	Present  bool
	Rejoined bool
}

type ParticipantStats struct {
	Identity        string
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64
	RoundTripTime   time.Duration
}

// StatsReport is what a transport returns for one sampling tick.
type StatsReport struct {
	Local  ParticipantStats
	Remote []ParticipantStats
}

// QualitySample is published on the quality feed.
type QualitySample struct {
	At     time.Time
	Local  ParticipantStats
	Remote []ParticipantStats
}

// PacketLossRate over everything received from remotes, 0 if nothing was received.
func (q QualitySample) PacketLossRate() float64 {
	var lost, recv float64
	for _, r := range q.Remote {
		lost += float64(r.PacketsLost)
		recv += float64(r.PacketsReceived)
	}
	if lost+recv == 0 {
		return 0
	}
	return lost / (lost + recv)
}
