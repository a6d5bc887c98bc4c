// Package pionrtc implements call.Session over a pion PeerConnection and a
// websocket signaling channel.
package pionrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callagent/internal/call"
	"callagent/internal/signaling"
	"callagent/pkg/telemetry"
)

// DialFunc opens the signaling channel for one session.
type DialFunc func(ctx context.Context, url string) (signaling.Conn, error)

// SignalingDialer dials the websocket signaling client with opts.
func SignalingDialer(opts ...signaling.Option) DialFunc {
	return func(ctx context.Context, url string) (signaling.Conn, error) {
		c, err := signaling.Dial(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	MinPort    uint16
	MaxPort    uint16
	NAT1To1IPs []string
	// IncludeLoopback gathers loopback candidates, for same-host peers.
	IncludeLoopback bool
	Dial            DialFunc
	Media           MediaSource
	Logger          *zap.Logger
}

// Factory builds one webrtc.API and hands out a fresh Session per connect try.
type Factory struct {
	api *webrtc.API
	cfg FactoryConfig
	log *zap.Logger
}

var _ call.SessionFactory = (*Factory)(nil)

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("pionrtc: no signaling dialer configured")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	api, err := createWebRTCApi(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}
	return &Factory{api: api, cfg: cfg, log: log.Named("pionrtc")}, nil
}

func createWebRTCApi(cfg FactoryConfig, log *zap.Logger) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = telemetry.NewPionLoggerFactory(log)

	if cfg.MinPort > 0 && cfg.MaxPort >= cfg.MinPort {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		settingEngine.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// the default interceptors provide the RTCP reports GetStats reads
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func (f *Factory) NewSession(policy call.ICEPolicy) (call.Session, error) {
	return newSession(f.api, f.cfg, policy, f.log), nil
}

func transportPolicy(p call.ICEPolicy) webrtc.ICETransportPolicy {
	if p == call.ICEPolicyRelay {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}
