package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/metrics"
)

// HeartbeatMonitor periodically probes every connection and evicts the
// ones that did not answer the previous probe. This is what catches
// half-open sockets that never signal closure.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewHeartbeatMonitor(registry *Registry, interval time.Duration, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry: registry,
		interval: interval,
		logger:   logger.Named("heartbeat").Sugar(),
	}
}

// Run sweeps until the context is cancelled. Call in its own goroutine.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep performs one probe cycle: connections whose previous probe went
// unanswered are evicted; the rest get their flag cleared and a new probe.
// A probe that cannot even be sent counts the same as a missed response.
func (h *HeartbeatMonitor) Sweep() {
	var evict []*Conn

	for _, c := range h.registry.List() {
		if !c.sweep() {
			evict = append(evict, c)
			continue
		}
		if err := c.Ping(); err != nil {
			h.logger.Debugw("Liveness probe send failed", "conn", c.ID(), "error", err)
			evict = append(evict, c)
		}
	}

	for _, c := range evict {
		metrics.HeartbeatEvictions.Inc()
		h.logger.Infow("Evicting unresponsive subscriber", "conn", c.ID())
		c.Close(websocketClosePolicyEviction, "liveness probe timeout")
		h.registry.Remove(c)
	}
}

// Eviction uses the going-away code so well-behaved clients treat it as
// retryable and reconnect.
const websocketClosePolicyEviction = 1001
