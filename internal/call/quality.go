package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsSource is sampled by the QualityMonitor.
type StatsSource interface {
	Stats(ctx context.Context) (StatsReport, error)
}

// QualityMonitor periodically samples a StatsSource while it runs.
type QualityMonitor struct {
	publish func(QualitySample)
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQualityMonitor(publish func(QualitySample), log *zap.Logger) *QualityMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &QualityMonitor{publish: publish, log: log}
}

// Start begins sampling src every interval. It is a no-op when already running.
func (m *QualityMonitor) Start(src StatsSource, interval time.Duration) bool {
	if interval <= 0 || src == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, src, interval, m.done)
	m.log.Debug("quality monitoring started", zap.Duration("interval", interval))
	return true
}

func (m *QualityMonitor) run(ctx context.Context, src StatsSource, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, interval)
			report, err := src.Stats(sctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.log.Debug("stats sample failed", zap.Error(err))
				continue
			}
			m.publish(QualitySample{At: time.Now(), Local: report.Local, Remote: report.Remote})
		}
	}
}

func (m *QualityMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Stop halts sampling and waits for the sampler goroutine. Idempotent.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
