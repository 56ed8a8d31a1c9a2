package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/pixelq/internal/metrics"
	"github.com/osvaldoandrade/pixelq/internal/session"
)

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = 10 * time.Second
)

// HeartbeatMonitor evicts sessions whose last heartbeat is older than the
// timeout. Evicted sessions are removed from the registry and closed.
type HeartbeatMonitor interface {
	Start(ctx context.Context)
	Sweep(now time.Time) []string
}

type heartbeatMonitor struct {
	registry *session.Registry
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewHeartbeatMonitor(registry *session.Registry, timeout, interval time.Duration, now func() time.Time, logger *slog.Logger) HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &heartbeatMonitor{registry: registry, timeout: timeout, interval: interval, now: now, logger: logger}
}

// Start sweeps on every tick until ctx is done. It does not block.
func (m *heartbeatMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}

func (m *heartbeatMonitor) Sweep(now time.Time) []string {
	var evicted []string
	for _, s := range m.registry.Snapshot() {
		elapsed := now.Sub(s.LastHeartbeat())
		if elapsed <= m.timeout {
			continue
		}
		// the receive loop may have removed it already
		if _, removed := m.registry.Remove(s.ID()); !removed {
			continue
		}
		_ = s.Close()
		metrics.WorkerDisconnectsTotal.WithLabelValues("heartbeat_timeout").Inc()
		m.logger.Warn("worker evicted: heartbeat timeout",
			"worker_id", s.ID(),
			"remote", s.RemoteAddr(),
			"since_heartbeat", elapsed.Round(time.Millisecond).String(),
			"outstanding", s.OutstandingCount(),
		)
		evicted = append(evicted, s.ID())
	}
	return evicted
}
