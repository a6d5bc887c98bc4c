package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type fakeRemote struct {
	mu       sync.Mutex
	identity string
	pubs     []TrackPublication
}

func newFakeRemote(identity string, pubs ...TrackPublication) *fakeRemote {
	return &fakeRemote{identity: identity, pubs: pubs}
}

func (r *fakeRemote) Identity() string { return r.identity }

func (r *fakeRemote) TrackPublications() []TrackPublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TrackPublication(nil), r.pubs...)
}

func (r *fakeRemote) setPubs(pubs ...TrackPublication) {
	r.mu.Lock()
	r.pubs = pubs
	r.mu.Unlock()
}

type fakeLocal struct {
	micErr error
	camErr error

	micCalls atomic.Int32
	camCalls atomic.Int32
	stopped  atomic.Int32
}

func (l *fakeLocal) Identity() string { return "local" }

func (l *fakeLocal) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	l.micCalls.Add(1)
	return l.micErr
}

func (l *fakeLocal) SetCameraEnabled(ctx context.Context, enabled bool) error {
	l.camCalls.Add(1)
	return l.camErr
}

func (l *fakeLocal) StopTracks() { l.stopped.Add(1) }

func (l *fakeLocal) UnpublishAll(ctx context.Context) error { return nil }

type fakeSession struct {
	policy  ICEPolicy
	connect func(ctx context.Context, s *fakeSession) error
	onClose func()

	state   atomic.Int32
	events  chan Event
	local   *fakeLocal
	stats   StatsReport
	mu      sync.Mutex
	remotes []RemoteParticipant

	connectAt    atomic.Int64
	disposed     atomic.Int32
	disconnected atomic.Int32
	closeOnce    sync.Once
}

func (s *fakeSession) Connect(ctx context.Context, url, token string, opts ConnectOptions) error {
	s.connectAt.Store(time.Now().UnixNano())
	if s.connect != nil {
		return s.connect(ctx, s)
	}
	s.setState(StateConnected)
	return nil
}

func (s *fakeSession) Disconnect(ctx context.Context) error {
	s.disconnected.Add(1)
	return nil
}

func (s *fakeSession) Dispose() {
	s.disposed.Add(1)
	if s.onClose != nil {
		s.onClose()
	}
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *fakeSession) Events() <-chan Event { return s.events }

func (s *fakeSession) ConnectionState() ConnectionState { return ConnectionState(s.state.Load()) }

func (s *fakeSession) setState(st ConnectionState) { s.state.Store(int32(st)) }

func (s *fakeSession) LocalParticipant() LocalParticipant { return s.local }

func (s *fakeSession) RemoteParticipants() []RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteParticipant(nil), s.remotes...)
}

func (s *fakeSession) Stats(ctx context.Context) (StatsReport, error) { return s.stats, nil }

func (s *fakeSession) emit(ev Event) { s.events <- ev }

func (s *fakeSession) connectedAt() time.Time { return time.Unix(0, s.connectAt.Load()) }

// fakeFactory hands out sessions configured by setup, in creation order.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	setup    func(n int, s *fakeSession)
}

func (f *fakeFactory) NewSession(policy ICEPolicy) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{policy: policy, events: make(chan Event, 16), local: &fakeLocal{}}
	if f.setup != nil {
		f.setup(len(f.sessions), s)
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) created() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func testTimings() Timings {
	return Timings{
		Cooldown:           0,
		CleanupWait:        time.Second,
		ConnectTimeout:     200 * time.Millisecond,
		RetryTimeout:       300 * time.Millisecond,
		RecentSignalWindow: time.Second,
		FastTeardownDelay:  5 * time.Millisecond,
		FullTeardownDelay:  5 * time.Millisecond,
		CloseTimeout:       100 * time.Millisecond,
		MediaTimeout:       100 * time.Millisecond,
		RemoteJoinTimeout:  0,
		RemoteLeftGrace:    10 * time.Millisecond,
		QualityInterval:    0,
		ReconnectDebounce:  20 * time.Millisecond,
		ReconnectBudget:    3,
		DegradedAfter:      2,
	}
}

// waitFor reads from ch until match returns true or the timeout passes.
func waitFor[T any](ch <-chan T, timeout time.Duration, match func(T) bool) (T, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				var zero T
				return zero, false
			}
			if match(v) {
				return v, true
			}
		case <-deadline:
			var zero T
			return zero, false
		}
	}
}
