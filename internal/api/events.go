package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callagent/internal/call"
)

const (
	eventBuffer = 64
	writeWait   = 5 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the control API binds to a trusted interface
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message on the /call/events stream.
type Event struct {
	Type      string    `json:"type"`
	AttemptID string    `json:"attempt_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data"`
}

type StateResponse struct {
	State   string      `json:"state"`
	Attempt *AttemptDTO `json:"attempt,omitempty"`
	Remote  *RemoteDTO  `json:"remote,omitempty"`
}

type AttemptDTO struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Policy    string    `json:"ice_policy"`
	Kind      string    `json:"kind"`
	Retries   int       `json:"retries"`
	Audio     bool      `json:"audio"`
	Video     bool      `json:"video"`
	StartedAt time.Time `json:"started_at"`
}

type RemoteDTO struct {
	Identity string         `json:"identity"`
	JoinedAt time.Time      `json:"joined_at"`
	Tracks   TrackStatusDTO `json:"tracks"`
}

type TrackStatusDTO struct {
	Identity       string `json:"identity"`
	AudioPresent   bool   `json:"audio_present"`
	AudioMuted     bool   `json:"audio_muted"`
	AudioAvailable bool   `json:"audio_available"`
	VideoPresent   bool   `json:"video_present"`
	VideoMuted     bool   `json:"video_muted"`
	VideoAvailable bool   `json:"video_available"`
}

type qualityDTO struct {
	PacketLossRate float64                 `json:"packet_loss_rate"`
	RTTMillis      int64                   `json:"rtt_ms"`
	Local          call.ParticipantStats   `json:"local"`
	Remote         []call.ParticipantStats `json:"remote"`
}

func snapshot(c *call.Coordinator) StateResponse {
	resp := StateResponse{State: c.State().String()}
	if a, ok := c.Attempt(); ok {
		resp.Attempt = &AttemptDTO{
			ID:        a.ID,
			URL:       a.URL,
			Policy:    a.Policy.String(),
			Kind:      a.Kind.String(),
			Retries:   a.Retries,
			Audio:     a.EnableAudio,
			Video:     a.EnableVideo,
			StartedAt: a.StartedAt,
		}
	}
	if r, ok := c.Remote(); ok {
		resp.Remote = &RemoteDTO{Identity: r.Identity, JoinedAt: r.JoinedAt, Tracks: trackStatusDTO(r.Tracks)}
	}
	return resp
}

func trackStatusDTO(t call.TrackStatus) TrackStatusDTO {
	return TrackStatusDTO(t)
}

// forward republishes every feed of c on the hub until c closes its feeds.
func (h *Handler) forward(c *call.Coordinator) {
	ev := c.Events()
	attemptID := func() string {
		if a, ok := c.Attempt(); ok {
			return a.ID
		}
		return ""
	}
	pipe(h, ev.ConnectionState, func(v call.ConnectionStateChange) Event {
		return Event{Type: "connection_state", AttemptID: attemptID(), At: v.At, Data: map[string]any{
			"state":     v.State.String(),
			"connected": v.Connected,
		}}
	})
	pipe(h, ev.LocalParticipant, func(v call.LocalParticipantUpdate) Event {
		return Event{Type: "local_participant", AttemptID: attemptID(), At: time.Now(), Data: map[string]any{
			"identity":   v.Identity,
			"microphone": v.MicrophoneEnabled,
			"camera":     v.CameraEnabled,
		}}
	})
	pipe(h, ev.RemoteParticipant, func(v call.RemoteParticipantUpdate) Event {
		return Event{Type: "remote_participant", AttemptID: attemptID(), At: time.Now(), Data: map[string]any{
			"identity": v.Identity,
			"present":  v.Present,
			"rejoined": v.Rejoined,
		}}
	})
	pipe(h, ev.RemoteTrackStatus, func(v call.TrackStatus) Event {
		return Event{Type: "remote_tracks", AttemptID: attemptID(), At: time.Now(), Data: trackStatusDTO(v)}
	})
	pipe(h, ev.Quality, func(v call.QualitySample) Event {
		return Event{Type: "quality", AttemptID: attemptID(), At: v.At, Data: qualityDTO{
			PacketLossRate: v.PacketLossRate(),
			RTTMillis:      v.Local.RoundTripTime.Milliseconds(),
			Local:          v.Local,
			Remote:         v.Remote,
		}}
	})
	pipe(h, ev.EndReason, func(v call.CallEndReason) Event {
		return Event{Type: "call_ended", AttemptID: attemptID(), At: time.Now(), Data: map[string]any{
			"reason": v.String(),
		}}
	})
}

func pipe[T any](h *Handler, f *call.Feed[T], conv func(T) Event) {
	ch, _ := f.Subscribe(eventBuffer)
	h.forwards.Add(1)
	go func() {
		defer h.forwards.Done()
		for v := range ch {
			h.hub.Publish(conv(v))
		}
	}()
}

// ServeEvents streams hub events to a websocket client as JSON.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	// subscribe before the handshake completes so no event after it is missed
	events, unsubscribe := h.hub.Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	l := h.log.With(zap.String("remote_addr", r.RemoteAddr))
	l.Debug("event stream opened")

	// the reader only detects the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.Debug("event stream read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			l.Debug("event stream closed by client")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				l.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
