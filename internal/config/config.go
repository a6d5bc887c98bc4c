package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"callagent/internal/call"
	"callagent/pkg/telemetry"
)

type Config struct {
	HTTPPort             int
	SignalURL            string
	SignalRequestTimeout time.Duration

	ICESTUNURLs       []string
	ICETURNURLs       []string
	ICETURNUsername   string
	ICETURNCredential string

	WebRTCMinPort    uint16
	WebRTCMaxPort    uint16
	WebRTCNAT1To1IPs []string

	Timings    call.Timings
	ForceRelay bool

	Log    telemetry.LogConfig
	Tracer telemetry.TracerConfig
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	cfg := &Config{
		HTTPPort:             8081,
		SignalURL:            "ws://127.0.0.1:7880/signal",
		SignalRequestTimeout: 5 * time.Second,
		ICESTUNURLs:          []string{"stun:stun.l.google.com:19302"},
		WebRTCMinPort:        50000,
		WebRTCMaxPort:        51000,
		Timings:              call.DefaultTimings(),
		Log: telemetry.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
			Rotation: telemetry.RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 14,
				Compress:   true,
			},
		},
		Tracer: telemetry.TracerConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("SIGNAL_URL"); v != "" {
		cfg.SignalURL = v
	}
	envDuration("SIGNAL_REQUEST_TIMEOUT", &cfg.SignalRequestTimeout)

	if v, ok := os.LookupEnv("ICE_STUN_URLS"); ok {
		cfg.ICESTUNURLs = splitList(v)
	}
	if v := os.Getenv("ICE_TURN_URLS"); v != "" {
		cfg.ICETURNURLs = splitList(v)
	}
	if v := os.Getenv("ICE_TURN_USERNAME"); v != "" {
		cfg.ICETURNUsername = v
	}
	if v := os.Getenv("ICE_TURN_CREDENTIAL"); v != "" {
		cfg.ICETURNCredential = v
	}

	if v := os.Getenv("WEBRTC_MIN_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.WebRTCMinPort = uint16(p)
		}
	}
	if v := os.Getenv("WEBRTC_MAX_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.WebRTCMaxPort = uint16(p)
		}
	}
	if v := os.Getenv("WEBRTC_NAT_1TO1_IPS"); v != "" {
		cfg.WebRTCNAT1To1IPs = splitList(v)
	}

	t := &cfg.Timings
	envDuration("CALL_COOLDOWN", &t.Cooldown)
	envDuration("CALL_CLEANUP_WAIT", &t.CleanupWait)
	envDuration("CALL_CONNECT_TIMEOUT", &t.ConnectTimeout)
	envDuration("CALL_RETRY_TIMEOUT", &t.RetryTimeout)
	envDuration("CALL_SIGNAL_WINDOW", &t.RecentSignalWindow)
	envDuration("CALL_FAST_TEARDOWN_DELAY", &t.FastTeardownDelay)
	envDuration("CALL_FULL_TEARDOWN_DELAY", &t.FullTeardownDelay)
	envDuration("CALL_CLOSE_TIMEOUT", &t.CloseTimeout)
	envDuration("CALL_MEDIA_TIMEOUT", &t.MediaTimeout)
	envDuration("CALL_REMOTE_JOIN_TIMEOUT", &t.RemoteJoinTimeout)
	envDuration("CALL_REMOTE_LEFT_GRACE", &t.RemoteLeftGrace)
	envDuration("CALL_QUALITY_INTERVAL", &t.QualityInterval)
	envDuration("CALL_RECONNECT_DEBOUNCE", &t.ReconnectDebounce)
	envInt("CALL_RECONNECT_BUDGET", &t.ReconnectBudget)
	envInt("CALL_DEGRADED_AFTER", &t.DegradedAfter)
	if v := os.Getenv("CALL_FORCE_RELAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceRelay = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUTS"); v != "" {
		cfg.Log.Outputs = splitList(v)
	}
	if v := os.Getenv("LOG_ROTATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Rotation.Enable = b
		}
	}
	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Development = b
		}
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Insecure = b
		}
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = r
		} else {
			log.Printf("ignoring invalid sample ratio OTEL_TRACES_SAMPLER_ARG=%q", v)
		}
	}
	if v := os.Getenv("DEPLOYMENT_ENVIRONMENT"); v != "" {
		cfg.Tracer.Environment = v
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		cfg.Tracer.Version = v
	}

	return cfg, nil
}

// CallOptions returns the coordinator options derived from the config.
func (c *Config) CallOptions() []call.Option {
	return []call.Option{
		call.WithTimings(c.Timings),
		call.WithForceRelay(c.ForceRelay),
	}
}

// ICEServers returns the STUN servers followed by the TURN server, if any.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.ICESTUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICESTUNURLs})
	}
	if len(c.ICETURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.ICETURNURLs,
			Username:   c.ICETURNUsername,
			Credential: c.ICETURNCredential,
		})
	}
	return servers
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envDuration accepts Go durations ("750ms") or plain milliseconds.
func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	log.Printf("ignoring invalid duration %s=%q", key, v)
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
		return
	}
	log.Printf("ignoring invalid integer %s=%q", key, v)
}
