package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, f *fakeFactory, g *CleanupGuard, tm Timings) *Coordinator {
	t.Helper()
	c := NewCoordinator(f, g, WithTimings(tm))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func failWith(err error) func(context.Context, *fakeSession) error {
	return func(context.Context, *fakeSession) error { return err }
}

func blockUntilDone(ctx context.Context, s *fakeSession) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCoordinator_ConnectSuccess(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	states, _ := c.Events().ConnectionState.Subscribe(16)

	require.NoError(t, c.Connect(context.Background(), "wss://media", "tok", true, true))
	assert.Equal(t, StateConnected, c.State())

	sessions := f.created()
	require.Len(t, sessions, 1)
	assert.Equal(t, ICEPolicyDefault, sessions[0].policy)
	assert.Equal(t, int32(1), sessions[0].local.micCalls.Load())
	assert.Equal(t, int32(1), sessions[0].local.camCalls.Load())

	_, ok := waitFor(states, time.Second, func(s ConnectionStateChange) bool { return s.Connected })
	assert.True(t, ok, "connected state not published")

	att, ok := c.Attempt()
	require.True(t, ok)
	assert.Equal(t, "wss://media", att.URL)
	assert.Equal(t, AttemptFirst, att.Kind)
}

func TestCoordinator_RetriesOnceWithRelay(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.connect = failWith(fmt.Errorf("negotiate: %w", ErrMediaConnect))
		}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, true))
	assert.Equal(t, StateConnected, c.State())

	sessions := f.created()
	require.Len(t, sessions, 2)
	assert.Equal(t, ICEPolicyDefault, sessions[0].policy)
	assert.Equal(t, ICEPolicyRelay, sessions[1].policy)
	assert.Equal(t, int32(1), sessions[0].disposed.Load(), "failed session must be released")
	assert.Equal(t, int32(1), sessions[0].local.stopped.Load(), "fast teardown stops local tracks")

	att, ok := c.Attempt()
	require.True(t, ok)
	assert.Equal(t, ICEPolicyRelay, att.Policy)
	assert.Equal(t, AttemptRetry, att.Kind)
	assert.Equal(t, 1, att.Retries)
}

func TestCoordinator_ForceRelayRetriesWithDefault(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.connect = failWith(ErrTransportTimeout)
		}
	}}
	c := NewCoordinator(f, NewCleanupGuard(nil, time.Second), WithTimings(testTimings()), WithForceRelay(true))
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	sessions := f.created()
	require.Len(t, sessions, 2)
	assert.Equal(t, ICEPolicyRelay, sessions[0].policy)
	assert.Equal(t, ICEPolicyDefault, sessions[1].policy)
}

func TestCoordinator_NoThirdAttemptAndDegraded(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.connect = failWith(ErrMediaConnect)
	}}
	g := NewCleanupGuard(nil, time.Second)
	c := newTestCoordinator(t, f, g, testTimings())
	reasons, _ := c.Events().EndReason.Subscribe(4)

	err := c.Connect(context.Background(), "a", "t", true, true)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ICEPolicyRelay, cerr.Policy)
	assert.Equal(t, 1, cerr.Retries)
	assert.NotErrorIs(t, err, ErrTransportDegraded)
	assert.Len(t, f.created(), 2)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, g.ICEFailures())

	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndConnectionFailure, r)

	err = c.Connect(context.Background(), "a", "t", true, true)
	require.ErrorIs(t, err, ErrTransportDegraded)
	assert.ErrorIs(t, err, ErrMediaConnect)
	assert.Len(t, f.created(), 4)
	assert.Equal(t, 2, g.ICEFailures())
}

func TestCoordinator_SuccessResetsICEFailures(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	g.RecordICEFailure()
	c := newTestCoordinator(t, &fakeFactory{}, g, testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Equal(t, 0, g.ICEFailures())
}

func TestCoordinator_NonRetryableFailure(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.connect = failWith(errors.New("token rejected"))
	}}
	g := NewCleanupGuard(nil, time.Second)
	c := newTestCoordinator(t, f, g, testTimings())
	reasons, _ := c.Events().EndReason.Subscribe(4)

	err := c.Connect(context.Background(), "a", "t", true, false)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, AttemptFirst, cerr.Kind)
	assert.Len(t, f.created(), 1)
	assert.Equal(t, 0, g.ICEFailures())

	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndError, r)
}

func TestCoordinator_ToleratesTimeoutWhenTransportConnected(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.connect = func(ctx context.Context, s *fakeSession) error {
			s.setState(StateConnected)
			<-ctx.Done()
			return ctx.Err()
		}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, f.created(), 1)
}

func TestCoordinator_ToleratesTimeoutAfterRecentSignal(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.connect = func(ctx context.Context, s *fakeSession) error {
			s.emit(Event{Kind: EventSignalConnected, At: time.Now()})
			<-ctx.Done()
			return fmt.Errorf("%w: %w", ErrTransportTimeout, ctx.Err())
		}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Equal(t, StateConnected, c.State())
	assert.Len(t, f.created(), 1)
}

func TestCoordinator_StaleSignalDoesNotTolerate(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.connect = func(ctx context.Context, s *fakeSession) error {
				s.emit(Event{Kind: EventSignalConnected, At: time.Now().Add(-time.Minute)})
				<-ctx.Done()
				return ctx.Err()
			}
		}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Len(t, f.created(), 2)
}

func TestCoordinator_ICEFailureAfterSignalIsRetried(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.connect = func(ctx context.Context, s *fakeSession) error {
				s.emit(Event{Kind: EventSignalConnected, At: time.Now()})
				s.setState(StateFailed)
				return fmt.Errorf("ice: %w", ErrMediaConnect)
			}
		}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Equal(t, StateConnected, c.State())

	sessions := f.created()
	require.Len(t, sessions, 2, "a failed ICE negotiation is not a tolerable timeout")
	assert.Equal(t, ICEPolicyRelay, sessions[1].policy)
	att, ok := c.Attempt()
	require.True(t, ok)
	assert.Equal(t, 1, att.Retries)
}

func TestCoordinator_DisconnectCancelsConnect(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) { s.connect = blockUntilDone }}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	reasons, _ := c.Events().EndReason.Subscribe(4)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), "a", "t", true, true) }()
	require.Eventually(t, func() bool { return f.last() != nil }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))
	select {
	case err := <-errc:
		assert.NoError(t, err, "cancelled connect must not surface an error")
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after disconnect")
	}

	assert.Equal(t, StateDisconnected, c.State())
	assert.Len(t, f.created(), 1, "no retry after cancellation")
	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndUserEnded, r)
}

func TestCoordinator_CancelledConnectUsesFastTeardown(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) { s.connect = blockUntilDone }}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), "a", "t", true, true) }()
	require.Eventually(t, func() bool {
		s := f.last()
		return s != nil && s.connectAt.Load() != 0
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, <-errc)

	s := f.created()[0]
	assert.Zero(t, s.disconnected.Load(), "never-live session must not be closed gracefully")
	assert.Equal(t, int32(1), s.local.stopped.Load())
	assert.Equal(t, int32(1), s.disposed.Load())
}

func TestCoordinator_DisconnectBeforeConnectStartsCancelsIt(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	release := make(chan struct{})
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.onClose = func() { <-release }
		}
	}}
	c := newTestCoordinator(t, f, g, testTimings())
	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))

	// the second connect stalls tearing down the first call
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background(), "a", "t", false, false) }()
	require.Eventually(t, g.InProgress, time.Second, time.Millisecond)

	disconnectErr := make(chan error, 1)
	go func() { disconnectErr <- c.Disconnect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-connectErr)
	require.NoError(t, <-disconnectErr)
	assert.Len(t, f.created(), 1, "connect must not proceed after a disconnect")
	assert.Equal(t, StateDisconnected, c.State())
	_, ok := c.Attempt()
	assert.False(t, ok)
}

func TestCoordinator_ConcurrentDisconnectTearsDownOnce(t *testing.T) {
	f := &fakeFactory{}
	tm := testTimings()
	tm.FullTeardownDelay = 50 * time.Millisecond
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	require.NoError(t, c.Connect(context.Background(), "a", "t", true, true))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Disconnect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	s := f.created()[0]
	assert.Equal(t, int32(1), s.disconnected.Load())
	assert.Equal(t, int32(1), s.disposed.Load())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, int32(1), s.disposed.Load())
}

func TestCoordinator_CooldownEnforced(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	tm := testTimings()
	tm.Cooldown = 150 * time.Millisecond
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, g, tm)

	ended := time.Now().Add(-50 * time.Millisecond)
	g.MarkCallEnded(ended)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	s := f.created()[0]
	assert.GreaterOrEqual(t, s.connectedAt().Sub(ended), tm.Cooldown)
}

func TestCoordinator_RapidCyclesAcrossInstancesRespectCooldown(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	tm := testTimings()
	tm.Cooldown = 500 * time.Millisecond
	f := &fakeFactory{}

	first := newTestCoordinator(t, f, g, tm)
	require.NoError(t, first.Connect(context.Background(), "a", "t", true, true))
	require.NoError(t, first.Disconnect(context.Background()))
	ended := g.LastCallEnd()
	require.False(t, ended.IsZero())

	second := newTestCoordinator(t, f, g, tm)
	require.NoError(t, second.Connect(context.Background(), "a", "t", true, true))

	sessions := f.created()
	require.Len(t, sessions, 2)
	assert.GreaterOrEqual(t, sessions[1].connectedAt().Sub(ended), tm.Cooldown)
}

func TestCoordinator_ConnectWaitsForOtherInstanceCleanup(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	tm := testTimings()
	release := make(chan struct{})
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.onClose = func() { <-release }
		}
	}}

	first := newTestCoordinator(t, f, g, tm)
	require.NoError(t, first.Connect(context.Background(), "a", "t", false, false))
	go first.Disconnect(context.Background())
	require.Eventually(t, g.InProgress, time.Second, time.Millisecond)

	second := newTestCoordinator(t, f, g, tm)
	errc := make(chan error, 1)
	go func() { errc <- second.Connect(context.Background(), "a", "t", false, false) }()

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.created(), 1, "second connect must wait for the running cleanup")

	close(release)
	require.NoError(t, <-errc)
	assert.Len(t, f.created(), 2)
}

func TestCoordinator_CooldownCountsFromAwaitedCleanup(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	tm := testTimings()
	tm.Cooldown = 500 * time.Millisecond
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		if n == 0 {
			s.onClose = func() { time.Sleep(50 * time.Millisecond) }
		}
	}}

	first := newTestCoordinator(t, f, g, tm)
	require.NoError(t, first.Connect(context.Background(), "a", "t", false, false))
	go first.Disconnect(context.Background())
	require.Eventually(t, g.InProgress, time.Second, time.Millisecond)

	second := newTestCoordinator(t, f, g, tm)
	require.NoError(t, second.Connect(context.Background(), "a", "t", false, false))

	sessions := f.created()
	require.Len(t, sessions, 2)
	ended := g.LastCallEnd()
	require.False(t, ended.IsZero())
	assert.GreaterOrEqual(t, sessions[1].connectedAt().Sub(ended), tm.Cooldown)
}

func TestCoordinator_StuckCleanupIsForceCleared(t *testing.T) {
	g := NewCleanupGuard(nil, time.Second)
	_, err := g.BeginCleanup(context.Background())
	require.NoError(t, err)

	tm := testTimings()
	tm.CleanupWait = 30 * time.Millisecond
	c := newTestCoordinator(t, &fakeFactory{}, g, tm)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	assert.Equal(t, StateConnected, c.State())
}

func TestCoordinator_RemoteJoinAndLeave(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	remotes, _ := c.Events().RemoteParticipant.Subscribe(8)
	tracks, _ := c.Events().RemoteTrackStatus.Subscribe(8)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, true))
	s := f.created()[0]

	bob := newFakeRemote("bob", TrackPublication{SID: "v1", Kind: MediaVideo, Subscribed: true})
	s.emit(Event{Kind: EventParticipantConnected, Participant: bob})

	u, ok := waitFor(remotes, time.Second, func(u RemoteParticipantUpdate) bool { return u.Present })
	require.True(t, ok)
	assert.Equal(t, "bob", u.Identity)
	st, ok := waitFor(tracks, time.Second, func(TrackStatus) bool { return true })
	require.True(t, ok)
	assert.True(t, st.VideoAvailable)
	assert.False(t, st.AudioAvailable)

	bob.setPubs(TrackPublication{SID: "v1", Kind: MediaVideo, Subscribed: true, Muted: true})
	s.emit(Event{Kind: EventTrackMuted, Participant: bob})
	st, ok = waitFor(tracks, time.Second, func(TrackStatus) bool { return true })
	require.True(t, ok)
	assert.True(t, st.VideoMuted)

	s.emit(Event{Kind: EventParticipantDisconnected, Participant: bob})
	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndRemoteLeft, r)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), s.disposed.Load())

	_, extra := waitFor(reasons, 50*time.Millisecond, func(CallEndReason) bool { return true })
	assert.False(t, extra, "end reason must fire once per attempt")
}

func TestCoordinator_CloseCutsRemoteLeftGraceShort(t *testing.T) {
	f := &fakeFactory{}
	tm := testTimings()
	tm.RemoteLeftGrace = 2 * time.Second
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	remotes, _ := c.Events().RemoteParticipant.Subscribe(8)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	s := f.created()[0]
	bob := newFakeRemote("bob")
	s.emit(Event{Kind: EventParticipantConnected, Participant: bob})
	_, ok := waitFor(remotes, time.Second, func(u RemoteParticipantUpdate) bool { return u.Present })
	require.True(t, ok)

	s.emit(Event{Kind: EventParticipantDisconnected, Participant: bob})
	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndRemoteLeft, r)

	start := time.Now()
	require.NoError(t, c.Close(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "close must not wait out the grace period")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), s.disposed.Load())
}

func TestCoordinator_TransientParticipantDropIgnored(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	remotes, _ := c.Events().RemoteParticipant.Subscribe(8)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, true))
	s := f.created()[0]
	bob := newFakeRemote("bob")
	s.emit(Event{Kind: EventParticipantConnected, Participant: bob})
	_, ok := waitFor(remotes, time.Second, func(u RemoteParticipantUpdate) bool { return u.Present })
	require.True(t, ok)

	s.emit(Event{Kind: EventReconnecting})
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)
	s.emit(Event{Kind: EventParticipantDisconnected, Participant: bob})

	_, ended := waitFor(reasons, 100*time.Millisecond, func(CallEndReason) bool { return true })
	assert.False(t, ended)
	assert.Equal(t, StateReconnecting, c.State())
	assert.Zero(t, s.disposed.Load())

	s.emit(Event{Kind: EventReconnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	_, present := c.Remote()
	assert.True(t, present)
}

func TestCoordinator_RemoteNeverJoined(t *testing.T) {
	f := &fakeFactory{}
	tm := testTimings()
	tm.RemoteJoinTimeout = 50 * time.Millisecond
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))

	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndTimeout, r)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	s := f.created()[0]
	assert.Equal(t, int32(1), s.disconnected.Load())
	assert.Equal(t, int32(1), s.disposed.Load())
	_, extra := waitFor(reasons, 50*time.Millisecond, func(CallEndReason) bool { return true })
	assert.False(t, extra)
}

func TestCoordinator_RemotePresentAtConnectSkipsJoinTimeout(t *testing.T) {
	tm := testTimings()
	tm.RemoteJoinTimeout = 30 * time.Millisecond
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.remotes = []RemoteParticipant{newFakeRemote("bob", TrackPublication{SID: "a1", Kind: MediaAudio, Subscribed: true})}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, false))
	ref, ok := c.Remote()
	require.True(t, ok)
	assert.True(t, ref.Tracks.AudioAvailable)

	_, ended := waitFor(reasons, 100*time.Millisecond, func(CallEndReason) bool { return true })
	assert.False(t, ended)
	assert.Equal(t, StateConnected, c.State())
}

func TestCoordinator_ReconnectBudgetExhausted(t *testing.T) {
	f := &fakeFactory{}
	tm := testTimings()
	tm.ReconnectBudget = 2
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	s := f.created()[0]
	for i := 0; i < 3; i++ {
		s.emit(Event{Kind: EventReconnecting})
	}

	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndConnectionFailure, r)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ReconnectDebounce(t *testing.T) {
	f := &fakeFactory{}
	tm := testTimings()
	tm.ReconnectDebounce = 30 * time.Millisecond
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	states, _ := c.Events().ConnectionState.Subscribe(8)
	s := f.created()[0]

	s.emit(Event{Kind: EventReconnecting})
	s.emit(Event{Kind: EventReconnected})
	_, seen := waitFor(states, 80*time.Millisecond, func(ConnectionStateChange) bool { return true })
	assert.False(t, seen, "short reconnect must not be announced")

	s.emit(Event{Kind: EventReconnecting})
	st, ok := waitFor(states, time.Second, func(ConnectionStateChange) bool { return true })
	require.True(t, ok)
	assert.Equal(t, StateReconnecting, st.State)
	assert.False(t, st.Connected)

	s.emit(Event{Kind: EventReconnected})
	st, ok = waitFor(states, time.Second, func(ConnectionStateChange) bool { return true })
	require.True(t, ok)
	assert.True(t, st.Connected)
}

func TestCoordinator_TransportDisconnectEndsCall(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	reasons, _ := c.Events().EndReason.Subscribe(4)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	f.created()[0].emit(Event{Kind: EventDisconnected, Reason: "server shutdown"})

	r, ok := waitFor(reasons, time.Second, func(CallEndReason) bool { return true })
	require.True(t, ok)
	assert.Equal(t, EndConnectionFailure, r)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_PermissionDeniedIsNotFatal(t *testing.T) {
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.local.micErr = fmt.Errorf("microphone: %w", ErrPermissionDenied)
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())
	locals, _ := c.Events().LocalParticipant.Subscribe(8)

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, true))
	assert.Equal(t, StateConnected, c.State())

	u, ok := waitFor(locals, time.Second, func(u LocalParticipantUpdate) bool { return u.CameraEnabled })
	require.True(t, ok)
	assert.False(t, u.MicrophoneEnabled)
	assert.Equal(t, int32(1), f.created()[0].local.camCalls.Load())
}

type fakeRouter struct {
	fallbacks int
	local     *fakeLocal
}

func (r *fakeRouter) CurrentOutput() string        { return "earpiece" }
func (r *fakeRouter) DeviceChanges() <-chan string { return nil }

func (r *fakeRouter) FallbackToSpeaker(context.Context) error {
	r.fallbacks++
	r.local.micErr = nil
	return nil
}

func TestCoordinator_AudioFailureFallsBackToSpeaker(t *testing.T) {
	router := &fakeRouter{}
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.local.micErr = errors.New("audio route unavailable")
		router.local = s.local
	}}
	c := NewCoordinator(f, NewCleanupGuard(nil, time.Second), WithTimings(testTimings()), WithAudioRouter(router))
	defer c.Close(context.Background())
	locals, _ := c.Events().LocalParticipant.Subscribe(8)

	require.NoError(t, c.Connect(context.Background(), "a", "t", true, false))
	assert.Equal(t, 1, router.fallbacks)
	assert.Equal(t, int32(2), f.created()[0].local.micCalls.Load())

	_, ok := waitFor(locals, time.Second, func(u LocalParticipantUpdate) bool { return u.MicrophoneEnabled })
	assert.True(t, ok)
}

func TestCoordinator_MediaCommands(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.ErrorIs(t, c.SetMicrophoneEnabled(context.Background(), true), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	locals, _ := c.Events().LocalParticipant.Subscribe(8)

	require.NoError(t, c.SetCameraEnabled(context.Background(), true))
	u, ok := waitFor(locals, time.Second, func(LocalParticipantUpdate) bool { return true })
	require.True(t, ok)
	assert.True(t, u.CameraEnabled)
	assert.False(t, u.MicrophoneEnabled)

	f.created()[0].local.micErr = ErrPermissionDenied
	assert.ErrorIs(t, c.SetMicrophoneEnabled(context.Background(), true), ErrPermissionDenied)
}

func TestCoordinator_QualityMonitoringStartsOnFirstRemote(t *testing.T) {
	tm := testTimings()
	tm.QualityInterval = 10 * time.Millisecond
	f := &fakeFactory{setup: func(n int, s *fakeSession) {
		s.stats = StatsReport{Local: ParticipantStats{Identity: "local"}}
	}}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), tm)
	samples, _ := c.Events().Quality.Subscribe(8)

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	_, early := waitFor(samples, 40*time.Millisecond, func(QualitySample) bool { return true })
	assert.False(t, early, "monitoring must wait for a remote")

	f.created()[0].emit(Event{Kind: EventParticipantConnected, Participant: newFakeRemote("bob")})
	q, ok := waitFor(samples, time.Second, func(QualitySample) bool { return true })
	require.True(t, ok)
	assert.Equal(t, "local", q.Local.Identity)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.quality.Running())
}

func TestCoordinator_StartQualityMonitoringExplicitly(t *testing.T) {
	c := newTestCoordinator(t, &fakeFactory{}, NewCleanupGuard(nil, time.Second), testTimings())
	assert.False(t, c.StartQualityMonitoring(10*time.Millisecond), "no session yet")

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	samples, _ := c.Events().Quality.Subscribe(8)
	require.True(t, c.StartQualityMonitoring(10*time.Millisecond))
	_, ok := waitFor(samples, time.Second, func(QualitySample) bool { return true })
	assert.True(t, ok)
}

func TestCoordinator_ConnectWhileConnectedDisconnectsFirst(t *testing.T) {
	f := &fakeFactory{}
	c := newTestCoordinator(t, f, NewCleanupGuard(nil, time.Second), testTimings())

	require.NoError(t, c.Connect(context.Background(), "a", "t", false, false))
	require.NoError(t, c.Connect(context.Background(), "b", "t", false, false))

	sessions := f.created()
	require.Len(t, sessions, 2)
	assert.Equal(t, int32(1), sessions[0].disposed.Load())
	assert.Equal(t, StateConnected, c.State())
	att, _ := c.Attempt()
	assert.Equal(t, "b", att.URL)
}
