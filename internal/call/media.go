package call

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// enableMedia turns on the requested media concurrently. Failures are not
// fatal to the call; a denied device leaves the other medium unaffected.
func (c *Coordinator) enableMedia(ctx context.Context, sess Session, audio, video bool) {
	lp := sess.LocalParticipant()
	if lp == nil || (!audio && !video) {
		return
	}

	var wg sync.WaitGroup
	if audio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.enableMedium(ctx, MediaAudio, lp.SetMicrophoneEnabled)
			if err != nil && !errors.Is(err, ErrPermissionDenied) && c.router != nil && ctx.Err() == nil {
				c.log.Info("microphone failed, falling back to speaker output", zap.String("output", c.router.CurrentOutput()), zap.Error(err))
				if ferr := c.router.FallbackToSpeaker(ctx); ferr != nil {
					c.log.Warn("speaker fallback failed", zap.Error(ferr))
					return
				}
				err = c.enableMedium(ctx, MediaAudio, lp.SetMicrophoneEnabled)
			}
			if err == nil {
				c.mu.Lock()
				c.micEnabled = true
				c.mu.Unlock()
			}
		}()
	}
	if video {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.enableMedium(ctx, MediaVideo, lp.SetCameraEnabled); err == nil {
				c.mu.Lock()
				c.camEnabled = true
				c.mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.publishLocal(sess)
}

func (c *Coordinator) enableMedium(ctx context.Context, kind MediaKind, set func(context.Context, bool) error) error {
	mctx, cancel := context.WithTimeout(ctx, c.timings.MediaTimeout)
	defer cancel()
	err := set(mctx, true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermissionDenied):
		c.log.Warn("media permission denied, continuing without it", zap.String("kind", string(kind)))
	case errors.Is(err, context.DeadlineExceeded):
		c.log.Warn("enabling media timed out", zap.String("kind", string(kind)), zap.Duration("timeout", c.timings.MediaTimeout))
	default:
		c.log.Warn("enabling media failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	return err
}

// SetMicrophoneEnabled toggles the local microphone of the live session.
func (c *Coordinator) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return c.setLocalMedia(ctx, MediaAudio, enabled)
}

// SetCameraEnabled toggles the local camera of the live session.
func (c *Coordinator) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return c.setLocalMedia(ctx, MediaVideo, enabled)
}

func (c *Coordinator) setLocalMedia(ctx context.Context, kind MediaKind, enabled bool) error {
	sess := c.currentSession()
	if sess == nil || c.State() == StateConnecting {
		return ErrNotConnected
	}
	lp := sess.LocalParticipant()
	if lp == nil {
		return ErrNotConnected
	}

	mctx, cancel := context.WithTimeout(ctx, c.timings.MediaTimeout)
	defer cancel()
	var err error
	if kind == MediaAudio {
		err = lp.SetMicrophoneEnabled(mctx, enabled)
	} else {
		err = lp.SetCameraEnabled(mctx, enabled)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if kind == MediaAudio {
		c.micEnabled = enabled
	} else {
		c.camEnabled = enabled
	}
	c.mu.Unlock()
	c.publishLocal(sess)
	return nil
}
