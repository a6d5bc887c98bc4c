package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultGuardWait = 8 * time.Second

// CleanupGuard is the process-wide coordination point between coordinators.
// It serializes teardowns and carries the state that must survive a single
// attempt: the last call end time and the consecutive ICE failure count.
//
// A cleanup that does not finish within the wait timeout is force-cleared so
// a stuck teardown can never wedge later calls. This trades strict mutual
// exclusion for liveness: after a force-clear the stuck holder and the new
// one may briefly overlap. The stuck holder's EndCleanup is then a no-op.
type CleanupGuard struct {
	mu          sync.Mutex
	cleaningUp  bool
	done        chan struct{}
	generation  uint64
	lastCallEnd time.Time
	iceFailures int

	waitTimeout time.Duration
	log         *zap.Logger
}

// CleanupToken identifies one acquisition of the guard.
type CleanupToken uint64

func NewCleanupGuard(log *zap.Logger, waitTimeout time.Duration) *CleanupGuard {
	if log == nil {
		log = zap.NewNop()
	}
	if waitTimeout <= 0 {
		waitTimeout = defaultGuardWait
	}
	return &CleanupGuard{
		waitTimeout: waitTimeout,
		log:         log.Named("cleanup-guard"),
	}
}

// BeginCleanup acquires the guard, waiting for a running cleanup first.
// It only fails when ctx ends while waiting.
func (g *CleanupGuard) BeginCleanup(ctx context.Context) (CleanupToken, error) {
	deadline := time.Now().Add(g.waitTimeout)
	for {
		g.mu.Lock()
		if !g.cleaningUp {
			g.generation++
			g.cleaningUp = true
			g.done = make(chan struct{})
			tok := CleanupToken(g.generation)
			g.mu.Unlock()
			return tok, nil
		}
		done := g.done
		gen := g.generation
		g.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			g.forceClear(gen)
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			g.forceClear(gen)
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
}

// EndCleanup fires the completion signal and clears the guard. Calling it
// with a token whose cleanup was force-cleared does nothing.
func (g *CleanupGuard) EndCleanup(tok CleanupToken) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cleaningUp || uint64(tok) != g.generation {
		g.log.Debug("stale cleanup release ignored", zap.Uint64("token", uint64(tok)), zap.Uint64("generation", g.generation))
		return
	}
	g.cleaningUp = false
	close(g.done)
}

// AwaitCleanupIfInProgress returns once no cleanup is running. On timeout the
// guard is force-cleared and ErrCleanupTimeout returned; callers proceed.
func (g *CleanupGuard) AwaitCleanupIfInProgress(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if !g.cleaningUp {
		g.mu.Unlock()
		return nil
	}
	done := g.done
	gen := g.generation
	g.mu.Unlock()

	if timeout <= 0 {
		timeout = g.waitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		g.forceClear(gen)
		return ErrCleanupTimeout
	}
}

func (g *CleanupGuard) forceClear(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cleaningUp || g.generation != gen {
		return
	}
	g.log.Warn("previous cleanup did not finish, force-clearing guard", zap.Uint64("generation", gen))
	g.cleaningUp = false
	close(g.done)
}

func (g *CleanupGuard) InProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleaningUp
}

func (g *CleanupGuard) MarkCallEnded(t time.Time) {
	g.mu.Lock()
	g.lastCallEnd = t
	g.mu.Unlock()
}

func (g *CleanupGuard) LastCallEnd() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCallEnd
}

// RecordICEFailure counts one attempt where both policies failed and returns
// the consecutive total.
func (g *CleanupGuard) RecordICEFailure() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iceFailures++
	return g.iceFailures
}

func (g *CleanupGuard) ResetICEFailures() {
	g.mu.Lock()
	g.iceFailures = 0
	g.mu.Unlock()
}

func (g *CleanupGuard) ICEFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.iceFailures
}

// Reset returns the guard to its initial state. Tests only.
func (g *CleanupGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cleaningUp {
		close(g.done)
	}
	g.cleaningUp = false
	g.done = nil
	g.lastCallEnd = time.Time{}
	g.iceFailures = 0
}
