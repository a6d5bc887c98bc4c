package call

import (
	"time"

	"go.uber.org/zap"
)

// Timings holds every delay and timeout the coordinator uses.
type Timings struct {
	// Cooldown is the minimum gap between the end of one call and the
	// transport connect of the next under the same identity.
	Cooldown time.Duration
	// CleanupWait bounds how long connect waits for a previous teardown.
	CleanupWait    time.Duration
	ConnectTimeout time.Duration
	RetryTimeout   time.Duration
	// RecentSignalWindow is how recent a signaling-connected event must be
	// for a connect timeout to be treated as success.
	RecentSignalWindow time.Duration
	FastTeardownDelay  time.Duration
	FullTeardownDelay  time.Duration
	// CloseTimeout bounds the graceful close handshake of a full teardown.
	CloseTimeout      time.Duration
	MediaTimeout      time.Duration
	RemoteJoinTimeout time.Duration
	RemoteLeftGrace   time.Duration
	QualityInterval   time.Duration
	ReconnectDebounce time.Duration
	ReconnectBudget   int
	// DegradedAfter is the number of consecutive total connect failures
	// after which ErrTransportDegraded is returned.
	DegradedAfter int
}

func DefaultTimings() Timings {
	return Timings{
		Cooldown:           500 * time.Millisecond,
		CleanupWait:        8 * time.Second,
		ConnectTimeout:     10 * time.Second,
		RetryTimeout:       20 * time.Second,
		RecentSignalWindow: 3 * time.Second,
		FastTeardownDelay:  150 * time.Millisecond,
		FullTeardownDelay:  300 * time.Millisecond,
		CloseTimeout:       3 * time.Second,
		MediaTimeout:       5 * time.Second,
		RemoteJoinTimeout:  45 * time.Second,
		RemoteLeftGrace:    time.Second,
		QualityInterval:    5 * time.Second,
		ReconnectDebounce:  time.Second,
		ReconnectBudget:    5,
		DegradedAfter:      2,
	}
}

type options struct {
	timings    Timings
	log        *zap.Logger
	router     AudioRouter
	forceRelay bool
}

type Option func(*options)

func WithTimings(t Timings) Option {
	return func(o *options) { o.timings = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithAudioRouter(r AudioRouter) Option {
	return func(o *options) { o.router = r }
}

// WithForceRelay makes the first try use the relay policy, so the retry
// falls back to the default policy.
func WithForceRelay(force bool) Option {
	return func(o *options) { o.forceRelay = force }
}
