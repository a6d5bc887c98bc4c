package call

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransportTimeout is returned by a Session whose connect did not
	// complete in time. Retryable unless the tolerance check passes.
	ErrTransportTimeout = errors.New("transport connect timed out")
	// ErrMediaConnect is returned when the media path could not be
	// established (ICE failure). Retryable.
	ErrMediaConnect = errors.New("media connection failed")
	// ErrTransportDegraded is surfaced after repeated total ICE failure.
	ErrTransportDegraded = errors.New("network environment degraded")
	// ErrPermissionDenied is returned when a media device was refused.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrCleanupTimeout means a prior teardown did not finish in time and
	// the guard was force-cleared.
	ErrCleanupTimeout = errors.New("timed out waiting for previous cleanup")
	// ErrNotConnected is returned by media commands with no live session.
	ErrNotConnected = errors.New("call not connected")
)

// ConnectError is the final failure of a connect, after the retry.
type ConnectError struct {
	Policy  ICEPolicy
	Kind    AttemptKind
	Retries int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed (policy=%s attempt=%s retries=%d): %v", e.Policy, e.Kind, e.Retries, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// retryable reports whether err warrants a retry with the opposite ICE policy.
func retryable(err error) bool {
	return timedOut(err) || errors.Is(err, ErrMediaConnect)
}

// timedOut reports whether err is timeout-class. Only these may be
// reclassified as success by the tolerance check; an ICE failure may not.
func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransportTimeout)
}
