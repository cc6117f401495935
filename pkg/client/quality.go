package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/wire"
)

// Quality grades the channel by heartbeat round-trip time.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

const (
	excellentLatency = 100 * time.Millisecond
	goodLatency      = 300 * time.Millisecond

	// StatusInterval is how often a connected client refreshes the
	// server status alongside its quality grade.
	StatusInterval = 30 * time.Second
)

// Classify maps a latency sample to a quality grade. Without a sample
// the grade is unknown.
func Classify(latency time.Duration, sampled bool) Quality {
	switch {
	case !sampled:
		return QualityUnknown
	case latency <= excellentLatency:
		return QualityExcellent
	case latency <= goodLatency:
		return QualityGood
	default:
		return QualityPoor
	}
}

// QualityMonitor periodically grades the channel and asks the server for
// its status so subscriber counts stay fresh.
type QualityMonitor struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	current Quality
}

func NewQualityMonitor(manager *Manager, interval time.Duration, logger *zap.Logger) *QualityMonitor {
	return &QualityMonitor{
		manager:  manager,
		interval: interval,
		logger:   logger.Named("quality").Sugar(),
		current:  QualityUnknown,
	}
}

// Current returns the last computed grade.
func (q *QualityMonitor) Current() Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Run checks immediately and then on every interval until the context is
// cancelled.
func (q *QualityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Check()
		}
	}
}

// Check grades the channel now and, while connected, requests the
// server status. It also runs on every connected transition so a fresh
// connection does not wait out the interval.
func (q *QualityMonitor) Check() {
	if q.manager.State() != StateConnected {
		q.update(QualityUnknown)
		return
	}

	if err := q.manager.Send(wire.Message{Type: wire.TypeGetStatus}); err != nil {
		q.logger.Debugw("Status request failed", "error", err)
	}

	q.update(Classify(q.manager.Latency()))
}

func (q *QualityMonitor) update(grade Quality) {
	q.mu.Lock()
	changed := q.current != grade
	q.current = grade
	q.mu.Unlock()
	if changed {
		q.logger.Infow("Connection quality changed", "quality", grade)
	}
}
