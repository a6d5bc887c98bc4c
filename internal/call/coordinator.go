package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Coordinator drives one call attempt at a time from connect to a live
// connection or a definitive failure. Several coordinators may exist in a
// process; they share a CleanupGuard.
type Coordinator struct {
	factory    SessionFactory
	guard      *CleanupGuard
	timings    Timings
	forceRelay bool
	router     AudioRouter
	log        *zap.Logger

	tracer          trace.Tracer
	connectCounter  metric.Int64Counter
	retryCounter    metric.Int64Counter
	teardownCounter metric.Int64Counter
	activeCalls     metric.Int64UpDownCounter

	events   *Events
	presence *PresenceTracker
	quality  *QualityMonitor

	disconnects singleflight.Group
	connectMu   sync.Mutex
	ends        sync.WaitGroup

	mu                 sync.Mutex
	state              ConnectionState
	attempt            *Attempt
	run                *attemptRun
	current            *attachedSession
	endReasonSent      bool
	reconnects         int
	reconnectTimer     *time.Timer
	reconnectAnnounced bool
	micEnabled         bool
	camEnabled         bool
	live               bool

	// connectPending is set while a Connect has not yet installed its run;
	// a Disconnect in that window sets cancelPending instead of being lost.
	connectPending bool
	cancelPending  bool
	closed         bool
}

// attemptRun is the cancellation token of one Connect call. ctx ends when
// Connect returns; life ends when the attempt is torn down.
type attemptRun struct {
	ctx       context.Context
	cancel    context.CancelFunc
	life      context.Context
	endLife   context.CancelFunc
	cancelled atomic.Bool
}

func newAttemptRun(ctx context.Context) *attemptRun {
	r := &attemptRun{}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.life, r.endLife = context.WithCancel(context.Background())
	return r
}

func (r *attemptRun) abort() {
	r.cancelled.Store(true)
	r.cancel()
	r.endLife()
}

// attachedSession is a Session with its event pump running.
type attachedSession struct {
	sess      Session
	attemptID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	lastSignalAt time.Time
}

func (a *attachedSession) signaledRecently(window time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.lastSignalAt.IsZero() && time.Since(a.lastSignalAt) <= window
}

type teardownMode int

const (
	teardownFast teardownMode = iota
	teardownFull
)

func (m teardownMode) String() string {
	if m == teardownFull {
		return "full"
	}
	return "fast"
}

func NewCoordinator(factory SessionFactory, guard *CleanupGuard, opts ...Option) *Coordinator {
	o := options{timings: DefaultTimings(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		factory:    factory,
		guard:      guard,
		timings:    o.timings,
		forceRelay: o.forceRelay,
		router:     o.router,
		log:        o.log.Named("coordinator"),
		tracer:     otel.Tracer("call-coordinator"),
		events:     newEvents(),
		presence:   NewPresenceTracker(),
	}
	c.quality = NewQualityMonitor(func(s QualitySample) { c.events.Quality.Publish(s) }, c.log)

	meter := otel.Meter("call-coordinator")
	c.connectCounter, _ = meter.Int64Counter("call.connect_attempts_total", metric.WithDescription("Transport connect calls by ICE policy and attempt kind"))
	c.retryCounter, _ = meter.Int64Counter("call.ice_retries_total", metric.WithDescription("Connects retried with the opposite ICE policy"))
	c.teardownCounter, _ = meter.Int64Counter("call.teardowns_total", metric.WithDescription("Transport session teardowns by mode"))
	c.activeCalls, _ = meter.Int64UpDownCounter("call.active", metric.WithDescription("Calls currently connected"))
	return c
}

func (c *Coordinator) Events() *Events { return c.events }

func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns a copy of the current attempt.
func (c *Coordinator) Attempt() (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return Attempt{}, false
	}
	return *c.attempt, true
}

// Remote returns the tracked remote participant, if one is present.
func (c *Coordinator) Remote() (RemoteParticipantRef, bool) {
	return c.presence.Remote()
}

// Connect establishes a call. It returns nil when the attempt was cancelled
// by a concurrent Disconnect or the coordinator is closed.
func (c *Coordinator) Connect(ctx context.Context, url, token string, enableAudio, enableVideo bool) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.connectPending = true
	c.cancelPending = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connectPending = false
		c.cancelPending = false
		c.mu.Unlock()
	}()

	if st := c.State(); st.Active() {
		c.log.Info("connect requested while active, disconnecting first", zap.Stringer("state", st))
		if err := c.stop(ctx); err != nil {
			c.log.Warn("disconnect before connect failed", zap.Error(err))
		}
	}

	policy := ICEPolicyDefault
	if c.forceRelay {
		policy = ICEPolicyRelay
	}
	att := &Attempt{
		ID:          uuid.NewString(),
		URL:         url,
		Token:       token,
		EnableAudio: enableAudio,
		EnableVideo: enableVideo,
		Policy:      policy,
		Kind:        AttemptFirst,
		StartedAt:   time.Now(),
	}
	run := newAttemptRun(ctx)
	defer run.cancel()

	ctx, span := c.tracer.Start(ctx, "call.Connect", trace.WithAttributes(
		attribute.String("attempt_id", att.ID),
		attribute.Bool("audio", enableAudio),
		attribute.Bool("video", enableVideo),
	))
	defer span.End()

	log := c.log.With(zap.String("attempt_id", att.ID))

	c.mu.Lock()
	c.connectPending = false
	if c.cancelPending || c.closed {
		c.mu.Unlock()
		run.endLife()
		log.Info("connect cancelled by disconnect before start")
		return nil
	}
	if c.run != nil {
		c.run.endLife()
	}
	c.attempt = att
	c.run = run
	c.endReasonSent = false
	c.reconnects = 0
	c.reconnectAnnounced = false
	c.micEnabled = false
	c.camEnabled = false
	c.mu.Unlock()
	c.setState(StateConnecting, true)

	if err := c.waitCooldown(run.ctx); err != nil {
		return c.interrupted(ctx, run, att, err)
	}

	if err := c.guard.AwaitCleanupIfInProgress(run.ctx, c.timings.CleanupWait); err != nil {
		if !errors.Is(err, ErrCleanupTimeout) {
			return c.interrupted(ctx, run, att, err)
		}
		log.Warn("previous cleanup timed out, guard force-cleared", zap.Error(err))
	}
	// the teardown we waited for stamps a fresh call end
	if err := c.waitCooldown(run.ctx); err != nil {
		return c.interrupted(ctx, run, att, err)
	}
	if run.cancelled.Load() {
		return nil
	}

	var connectErr error
	for {
		timeout := c.timings.ConnectTimeout
		if att.Kind == AttemptRetry {
			timeout = c.timings.RetryTimeout
		}
		connectErr = c.tryConnect(ctx, run, att, timeout, log)
		if run.cancelled.Load() {
			log.Debug("connect cancelled by disconnect")
			return nil
		}
		if connectErr == nil || !retryable(connectErr) || att.Kind == AttemptRetry {
			break
		}

		log.Info("connect timed out, retrying with opposite ICE policy",
			zap.Stringer("failed_policy", att.Policy), zap.Error(connectErr))
		if a := c.detach(); a != nil {
			c.releaseSession(ctx, a, teardownFast)
		}
		if run.cancelled.Load() {
			return nil
		}
		c.mu.Lock()
		att.Policy = att.Policy.Opposite()
		att.Kind = AttemptRetry
		att.Retries++
		c.mu.Unlock()
		c.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", att.Policy.String())))
	}

	if connectErr != nil {
		if a := c.detach(); a != nil {
			c.releaseSession(ctx, a, teardownFast)
		}
		if run.cancelled.Load() {
			return nil
		}
		err := &ConnectError{Policy: att.Policy, Kind: att.Kind, Retries: att.Retries, Err: connectErr}
		if retryable(connectErr) {
			if n := c.guard.RecordICEFailure(); n >= c.timings.DegradedAfter {
				err.Err = fmt.Errorf("%w after %d consecutive failures: %w", ErrTransportDegraded, n, connectErr)
			}
			c.publishEndReason(EndConnectionFailure)
		} else {
			c.publishEndReason(EndError)
		}
		c.transition(run, StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		log.Warn("connect failed", zap.Error(err))
		return err
	}

	c.guard.ResetICEFailures()
	span.SetAttributes(attribute.String("ice_policy", att.Policy.String()), attribute.Int("retries", att.Retries))
	if !c.markLive(ctx, run) {
		return nil
	}
	log.Info("call connected", zap.Stringer("ice_policy", att.Policy), zap.Int("retries", att.Retries))

	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	c.enableMedia(run.ctx, sess, enableAudio, enableVideo)
	if run.cancelled.Load() {
		return nil
	}

	for _, rp := range sess.RemoteParticipants() {
		c.onRemoteJoined(sess, rp)
	}
	if !c.presence.Present() {
		c.StartRemoteJoinTimeout(c.timings.RemoteJoinTimeout)
	}
	return nil
}

// interrupted handles a suspension point that returned early.
func (c *Coordinator) interrupted(ctx context.Context, run *attemptRun, att *Attempt, err error) error {
	if run.cancelled.Load() {
		return nil
	}
	if a := c.detach(); a != nil {
		c.releaseSession(context.WithoutCancel(ctx), a, teardownFast)
	}
	c.transition(run, StateFailed)
	return &ConnectError{Policy: att.Policy, Kind: att.Kind, Retries: att.Retries, Err: err}
}

func (c *Coordinator) waitCooldown(ctx context.Context) error {
	last := c.guard.LastCallEnd()
	if last.IsZero() {
		return nil
	}
	remaining := c.timings.Cooldown - time.Since(last)
	if remaining <= 0 {
		return nil
	}
	c.log.Debug("waiting for inter-call cooldown", zap.Duration("remaining", remaining))
	return sleepCtx(ctx, remaining)
}

// tryConnect creates a session for att.Policy and connects it.
func (c *Coordinator) tryConnect(ctx context.Context, run *attemptRun, att *Attempt, timeout time.Duration, log *zap.Logger) error {
	ctx, span := c.tracer.Start(ctx, "call.TransportConnect", trace.WithAttributes(
		attribute.String("ice_policy", att.Policy.String()),
		attribute.String("attempt", att.Kind.String()),
	))
	defer span.End()

	sess, err := c.factory.NewSession(att.Policy)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	a, ok := c.attach(run, att.ID, sess)
	if !ok {
		sess.Dispose()
		return nil
	}

	c.connectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", att.Policy.String()),
		attribute.String("attempt", att.Kind.String()),
	))
	cctx, cancel := context.WithTimeout(run.ctx, timeout)
	err = sess.Connect(cctx, att.URL, att.Token, ConnectOptions{Policy: att.Policy, AutoSubscribe: true})
	cancel()
	if err == nil {
		return nil
	}
	if timedOut(err) && !errors.Is(err, ErrMediaConnect) &&
		(sess.ConnectionState() == StateConnected || a.signaledRecently(c.timings.RecentSignalWindow)) {
		log.Info("connect timeout tolerated, transport reports connected", zap.Error(err))
		return nil
	}
	span.RecordError(err)
	return err
}

// attach installs sess as the current session and starts its event pump.
// It refuses when the attempt was already cancelled.
func (c *Coordinator) attach(run *attemptRun, attemptID string, sess Session) (*attachedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run.cancelled.Load() {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &attachedSession{sess: sess, attemptID: attemptID, cancel: cancel, done: make(chan struct{})}
	c.current = a
	go c.pump(ctx, a)
	return a, true
}

func (c *Coordinator) detach() *attachedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.current
	c.current = nil
	return a
}

func (c *Coordinator) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.sess
}

func (c *Coordinator) isCurrent(a *attachedSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a
}

func (c *Coordinator) pump(ctx context.Context, a *attachedSession) {
	defer close(a.done)
	var devices <-chan string
	if c.router != nil {
		devices = c.router.DeviceChanges()
	}
	events := a.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case dev, ok := <-devices:
			if !ok {
				devices = nil
				continue
			}
			c.log.Info("audio output changed", zap.String("device", dev), zap.String("attempt_id", a.attemptID))
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(a, ev)
		}
	}
}

func (c *Coordinator) handleEvent(a *attachedSession, ev Event) {
	if ev.Kind == EventSignalConnected {
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		a.mu.Lock()
		a.lastSignalAt = at
		a.mu.Unlock()
		return
	}
	if !c.isCurrent(a) {
		return
	}

	switch ev.Kind {
	case EventReconnecting:
		c.onReconnecting(a)
	case EventReconnected:
		c.onReconnected()
	case EventParticipantConnected:
		if ev.Participant != nil && c.State() != StateConnecting {
			c.onRemoteJoined(a.sess, ev.Participant)
		}
	case EventParticipantDisconnected:
		if ev.Participant != nil {
			c.onRemoteLeft(a, ev.Participant)
		}
	case EventTrackPublished, EventTrackSubscribed, EventTrackUnsubscribed, EventTrackMuted, EventTrackUnmuted:
		if ev.Participant == nil {
			return
		}
		if st, changed := c.presence.UpdateTracks(ev.Participant); changed {
			c.events.RemoteTrackStatus.Publish(st)
		}
	case EventDisconnected:
		st := c.State()
		if st == StateConnected || st == StateReconnecting {
			c.log.Warn("transport disconnected", zap.String("reason", ev.Reason), zap.String("attempt_id", a.attemptID))
			c.publishEndReason(EndConnectionFailure)
			c.goEndAttempt(a.attemptID, 0)
		}
	}
}

func (c *Coordinator) onReconnecting(a *attachedSession) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	n := c.reconnects
	over := n > c.timings.ReconnectBudget
	if !over {
		c.state = StateReconnecting
		if c.reconnectTimer == nil {
			c.reconnectTimer = time.AfterFunc(c.timings.ReconnectDebounce, c.announceReconnecting)
		}
	}
	c.mu.Unlock()

	if over {
		c.log.Warn("reconnect budget exhausted, ending call", zap.Int("reconnects", n), zap.String("attempt_id", a.attemptID))
		c.publishEndReason(EndConnectionFailure)
		c.goEndAttempt(a.attemptID, 0)
		return
	}
	c.log.Info("transport reconnecting", zap.Int("reconnects", n), zap.String("attempt_id", a.attemptID))
}

func (c *Coordinator) announceReconnecting() {
	c.mu.Lock()
	if c.state != StateReconnecting || c.reconnectTimer == nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.reconnectAnnounced = true
	c.mu.Unlock()
	c.events.ConnectionState.Publish(ConnectionStateChange{State: StateReconnecting, At: time.Now()})
}

func (c *Coordinator) onReconnected() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.stopReconnectTimerLocked()
	announced := c.reconnectAnnounced
	c.reconnectAnnounced = false
	c.mu.Unlock()
	c.setState(StateConnected, announced)
	c.log.Info("transport reconnected")
}

func (c *Coordinator) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Coordinator) onRemoteJoined(sess Session, rp RemoteParticipant) {
	if cur, ok := c.presence.Remote(); ok && cur.Identity == rp.Identity() {
		if st, changed := c.presence.UpdateTracks(rp); changed {
			c.events.RemoteTrackStatus.Publish(st)
		}
		return
	}
	ref, rejoined := c.presence.Joined(rp, time.Now())
	c.log.Info("remote participant joined", zap.String("identity", ref.Identity), zap.Bool("rejoined", rejoined))
	c.events.RemoteParticipant.Publish(RemoteParticipantUpdate{Identity: ref.Identity, Present: true, Rejoined: rejoined})
	c.events.RemoteTrackStatus.Publish(ref.Tracks)
	c.quality.Start(sess, c.timings.QualityInterval)
}

// onRemoteLeft ends the call only when fully connected. Transports drop
// and re-add participants while they reconnect internally.
func (c *Coordinator) onRemoteLeft(a *attachedSession, rp RemoteParticipant) {
	if st := c.State(); st != StateConnected {
		c.log.Debug("ignoring participant drop while not connected", zap.String("identity", rp.Identity()), zap.Stringer("state", st))
		return
	}
	if !c.presence.Left(rp.Identity()) {
		return
	}
	c.log.Info("remote participant left", zap.String("identity", rp.Identity()))
	c.events.RemoteParticipant.Publish(RemoteParticipantUpdate{Identity: rp.Identity(), Present: false})
	c.publishEndReason(EndRemoteLeft)
	c.goEndAttempt(a.attemptID, c.timings.RemoteLeftGrace)
}

// StartRemoteJoinTimeout ends the call with EndTimeout if no remote joins
// within d.
func (c *Coordinator) StartRemoteJoinTimeout(d time.Duration) {
	c.mu.Lock()
	var id string
	if c.attempt != nil {
		id = c.attempt.ID
	}
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.presence.StartNeverJoined(d, func() { c.onNeverJoined(id) })
}

func (c *Coordinator) onNeverJoined(attemptID string) {
	if c.guard.InProgress() || c.presence.Present() {
		return
	}
	c.mu.Lock()
	same := c.attempt != nil && c.attempt.ID == attemptID && c.state.Active()
	c.mu.Unlock()
	if !same {
		return
	}
	c.log.Info("remote never joined, ending call", zap.String("attempt_id", attemptID))
	c.publishEndReason(EndTimeout)
	c.endAttempt(context.Background(), attemptID, 0)
}

// StartQualityMonitoring starts sampling now instead of waiting for the
// first remote arrival.
func (c *Coordinator) StartQualityMonitoring(interval time.Duration) bool {
	sess := c.currentSession()
	if sess == nil {
		return false
	}
	return c.quality.Start(sess, interval)
}

// goEndAttempt runs endAttempt in the background, bound to the lifetime of
// the current attempt so a teardown cuts the grace short.
func (c *Coordinator) goEndAttempt(attemptID string, grace time.Duration) {
	life := context.Background()
	c.mu.Lock()
	if c.run != nil {
		life = c.run.life
	}
	c.mu.Unlock()

	c.ends.Add(1)
	go func() {
		defer c.ends.Done()
		c.endAttempt(life, attemptID, grace)
	}()
}

// endAttempt disconnects after grace if attemptID is still the current
// attempt. It gives up when life ends first.
func (c *Coordinator) endAttempt(life context.Context, attemptID string, grace time.Duration) {
	if grace > 0 {
		if err := sleepCtx(life, grace); err != nil {
			return
		}
	}
	c.mu.Lock()
	same := c.attempt != nil && c.attempt.ID == attemptID
	c.mu.Unlock()
	if !same {
		return
	}
	if err := c.Disconnect(context.Background()); err != nil {
		c.log.Warn("disconnect after call end failed", zap.Error(err))
	}
}

func (c *Coordinator) publishEndReason(r CallEndReason) {
	c.mu.Lock()
	if c.endReasonSent {
		c.mu.Unlock()
		return
	}
	c.endReasonSent = true
	c.mu.Unlock()
	c.events.EndReason.Publish(r)
}

func (c *Coordinator) setState(s ConnectionState, publish bool) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if publish {
		c.events.ConnectionState.Publish(ConnectionStateChange{State: s, Connected: s == StateConnected, At: time.Now()})
	}
}

// transition moves to s unless run was cancelled, in which case the
// disconnect path owns the state.
func (c *Coordinator) transition(run *attemptRun, s ConnectionState) bool {
	c.mu.Lock()
	if run.cancelled.Load() {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.events.ConnectionState.Publish(ConnectionStateChange{State: s, Connected: s == StateConnected, At: time.Now()})
	}
	return true
}

func (c *Coordinator) markLive(ctx context.Context, run *attemptRun) bool {
	c.mu.Lock()
	if run.cancelled.Load() {
		c.mu.Unlock()
		return false
	}
	c.live = true
	c.mu.Unlock()
	c.activeCalls.Add(ctx, 1)
	c.transition(run, StateConnected)
	if sess := c.currentSession(); sess != nil {
		c.publishLocal(sess)
	}
	return true
}

func (c *Coordinator) publishLocal(sess Session) {
	lp := sess.LocalParticipant()
	if lp == nil {
		return
	}
	c.mu.Lock()
	u := LocalParticipantUpdate{Identity: lp.Identity(), MicrophoneEnabled: c.micEnabled, CameraEnabled: c.camEnabled}
	c.mu.Unlock()
	c.events.LocalParticipant.Publish(u)
}

// Disconnect ends the current attempt. Concurrent calls share one teardown.
// A Connect that has not started its attempt yet is cancelled as well.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.connectPending {
		c.cancelPending = true
	}
	c.mu.Unlock()
	return c.stop(ctx)
}

func (c *Coordinator) stop(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run != nil {
		run.abort()
	}
	_, err, _ := c.disconnects.Do("disconnect", func() (any, error) {
		return nil, c.teardownAttempt(context.WithoutCancel(ctx))
	})
	return err
}

// Close disconnects and closes every event feed. Later connects are no-ops.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.Disconnect(ctx)
	c.ends.Wait()
	c.events.close()
	return err
}

func (c *Coordinator) teardownAttempt(ctx context.Context) error {
	a := c.detach()
	c.stopMonitors()

	c.mu.Lock()
	c.stopReconnectTimerLocked()
	hadAttempt := c.attempt != nil
	wasLive := c.live
	c.live = false
	if c.run != nil {
		c.run.endLife()
		c.run = nil
	}
	c.mu.Unlock()

	if a == nil && !hadAttempt {
		return nil
	}
	c.publishEndReason(EndUserEnded)

	if a != nil {
		// a connect that never went live has nothing to close gracefully
		mode := teardownFull
		if !wasLive {
			mode = teardownFast
		}
		c.releaseSession(ctx, a, mode)
		// the pump may have restarted a monitor before it stopped
		c.stopMonitors()
	} else {
		c.guard.MarkCallEnded(time.Now())
	}

	if wasLive {
		c.activeCalls.Add(ctx, -1)
	}
	c.mu.Lock()
	c.attempt = nil
	c.micEnabled = false
	c.camEnabled = false
	c.mu.Unlock()
	c.setState(StateDisconnected, true)
	return nil
}

func (c *Coordinator) stopMonitors() {
	c.presence.Stop()
	c.quality.Stop()
}

// releaseSession tears one session down under the process-wide guard.
// Errors are logged; the guard is always released and the call end time
// always recorded.
func (c *Coordinator) releaseSession(ctx context.Context, a *attachedSession, mode teardownMode) {
	ctx, span := c.tracer.Start(ctx, "call.Teardown", trace.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("attempt_id", a.attemptID),
	))
	defer span.End()

	log := c.log.With(zap.String("attempt_id", a.attemptID), zap.Stringer("mode", mode))

	tok, err := c.guard.BeginCleanup(ctx)
	if err != nil {
		log.Warn("could not acquire cleanup guard, tearing down anyway", zap.Error(err))
	}
	defer c.guard.EndCleanup(tok)
	defer c.guard.MarkCallEnded(time.Now())

	a.cancel()
	<-a.done

	c.teardownCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))

	sess := a.sess
	switch mode {
	case teardownFast:
		if lp := sess.LocalParticipant(); lp != nil {
			lp.StopTracks()
		}
		sess.Dispose()
		time.Sleep(c.timings.FastTeardownDelay)
	case teardownFull:
		cctx, cancel := context.WithTimeout(ctx, c.timings.CloseTimeout)
		if err := sess.Disconnect(cctx); err != nil {
			log.Warn("graceful transport close failed", zap.Error(err))
		}
		if lp := sess.LocalParticipant(); lp != nil {
			if err := lp.UnpublishAll(cctx); err != nil {
				log.Debug("unpublish local tracks failed", zap.Error(err))
			}
			lp.StopTracks()
		}
		cancel()
		sess.Dispose()
		time.Sleep(c.timings.FullTeardownDelay)
	}
	log.Debug("session released")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
