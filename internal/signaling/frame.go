package signaling

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// notifyCookie marks frames pushed by the server without a request.
const notifyCookie = "-"

var errMalformedFrame = errors.New("malformed signaling frame")

func newCookie() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// encodeFrame writes "<cookie> <bencoded dict>".
func encodeFrame(cookie string, msg map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(cookie + " ")
	if err := bencode.Marshal(&buf, msg); err != nil {
		return nil, fmt.Errorf("failed to marshal bencode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (string, map[string]interface{}, error) {
	spaceIdx := bytes.IndexByte(data, ' ')
	if spaceIdx <= 0 {
		return "", nil, fmt.Errorf("%w: no cookie", errMalformedFrame)
	}

	decoded, err := bencode.Decode(bytes.NewReader(data[spaceIdx+1:]))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	msg, ok := decoded.(map[string]interface{})
	if !ok {
		return "", nil, fmt.Errorf("%w: payload is %T, not a dictionary", errMalformedFrame, decoded)
	}
	return string(data[:spaceIdx]), msg, nil
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func yes(m map[string]interface{}, key string) bool {
	return str(m, key) == "yes"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseTrack(v interface{}) (TrackInfo, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return TrackInfo{}, false
	}
	return TrackInfo{SID: str(m, "sid"), Kind: str(m, "kind"), Muted: yes(m, "muted")}, true
}

func parseParticipant(v interface{}) (ParticipantInfo, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ParticipantInfo{}, false
	}
	p := ParticipantInfo{Identity: str(m, "identity")}
	if p.Identity == "" {
		return ParticipantInfo{}, false
	}
	rawTracks, _ := m["tracks"].([]interface{})
	for _, rt := range rawTracks {
		if t, ok := parseTrack(rt); ok {
			p.Tracks = append(p.Tracks, t)
		}
	}
	return p, true
}

func parseParticipants(v interface{}) []ParticipantInfo {
	raw, _ := v.([]interface{})
	out := make([]ParticipantInfo, 0, len(raw))
	for _, r := range raw {
		if p, ok := parseParticipant(r); ok {
			out = append(out, p)
		}
	}
	return out
}

func parseNotification(msg map[string]interface{}) (Notification, bool) {
	n := Notification{Kind: NotificationKind(str(msg, "event")), Reason: str(msg, "reason")}
	switch n.Kind {
	case NotifyParticipantJoined, NotifyParticipantLeft:
		p, ok := parseParticipant(msg["participant"])
		if !ok {
			return Notification{}, false
		}
		n.Participant = p
	case NotifyTrackPublished, NotifyTrackMuted, NotifyTrackUnmuted:
		p, ok := parseParticipant(msg["participant"])
		if !ok {
			return Notification{}, false
		}
		t, ok := parseTrack(msg["track"])
		if !ok {
			return Notification{}, false
		}
		n.Participant, n.Track = p, t
	default:
		return Notification{}, false
	}
	return n, true
}
