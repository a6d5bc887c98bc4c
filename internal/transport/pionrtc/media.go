package pionrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"callagent/internal/call"
)

var ErrNoMediaSource = errors.New("no local media source configured")

// CaptureTrack is a local track plus the func that releases its device.
type CaptureTrack struct {
	Track webrtc.TrackLocal
	Stop  func()
}

// MediaSource opens local capture. Device selection and permissions live
// outside this package; a refused device must be reported with an error
// wrapping call.ErrPermissionDenied.
type MediaSource interface {
	Microphone(ctx context.Context, streamID string) (*CaptureTrack, error)
	Camera(ctx context.Context, streamID string) (*CaptureTrack, error)
}

// SilentSource publishes tracks that never carry samples. It keeps the
// negotiated senders alive for agents that have no capture devices.
type SilentSource struct{}

func (SilentSource) Microphone(ctx context.Context, streamID string) (*CaptureTrack, error) {
	return silentTrack(webrtc.MimeTypeOpus, "audio", streamID)
}

func (SilentSource) Camera(ctx context.Context, streamID string) (*CaptureTrack, error) {
	return silentTrack(webrtc.MimeTypeVP8, "video", streamID)
}

func silentTrack(mime, id, streamID string) (*CaptureTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", id, err)
	}
	return &CaptureTrack{Track: track, Stop: func() {}}, nil
}

func mediaKind(k webrtc.RTPCodecType) call.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.MediaVideo
	}
	return call.MediaAudio
}
