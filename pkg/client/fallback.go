package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/config"
)

// Fallback decides when the push channel has proven unreliable and
// polling should take over. It latches: once triggered it stays active
// for the rest of the outage episode so a brief reconnect blip cannot
// flap delivery modes, and only a recovered connection re-arms it.
type Fallback struct {
	cfg     config.Client
	tracker *Tracker
	logger  *zap.SugaredLogger

	onActivate func()
	onRetry    func()

	mu      sync.Mutex
	active  bool
	latched bool
}

func NewFallback(cfg config.Client, tracker *Tracker, logger *zap.Logger) *Fallback {
	return &Fallback{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.Named("fallback").Sugar(),
	}
}

// OnActivate registers the callback fired exactly once per outage
// episode when fallback engages.
func (f *Fallback) OnActivate(fn func()) { f.onActivate = fn }

// OnRetry registers the callback fired on each automatic or manual
// attempt to resume push delivery.
func (f *Fallback) OnRetry(fn func()) { f.onRetry = fn }

// Active reports whether polling is currently in charge.
func (f *Fallback) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Evaluate applies the trigger rules against the current counters and
// returns whether fallback is active afterwards.
func (f *Fallback) Evaluate(now time.Time) bool {
	m := f.tracker.Snapshot()
	rate := f.tracker.SuccessRate()

	triggered := false
	reason := ""
	switch {
	case m.ConsecutiveFailures >= f.cfg.MaxConnectionFailures:
		triggered = true
		reason = "consecutive connection failures"
	case rate < f.cfg.MessageSuccessThreshold && m.MessagesSent > 5:
		triggered = true
		reason = "low message success rate"
	case !m.DisconnectedSince.IsZero() && now.Sub(m.DisconnectedSince) > 2*f.cfg.FallbackRetryInterval():
		triggered = true
		reason = "prolonged disconnection"
	}

	f.mu.Lock()
	fire := triggered && !f.latched
	if fire {
		f.active = true
		f.latched = true
	}
	active := f.active
	f.mu.Unlock()

	if fire {
		f.logger.Warnw("Falling back to polling", "reason", reason,
			"consecutiveFailures", m.ConsecutiveFailures, "successRate", rate)
		if f.onActivate != nil {
			f.onActivate()
		}
	}
	return active
}

// NoteRecovered re-arms the latch after the push channel comes back and
// resets the message window so a past outage's ratio cannot re-trigger
// the low-rate rule.
func (f *Fallback) NoteRecovered() {
	f.mu.Lock()
	wasActive := f.active
	f.active = false
	f.latched = false
	f.mu.Unlock()

	f.tracker.ResetMessageWindow()
	if wasActive {
		f.logger.Infow("Push channel recovered, leaving fallback")
	}
}

// Retry manually attempts to resume push delivery, clearing the
// consecutive failure count so the attempt is judged fresh.
func (f *Fallback) Retry() {
	f.tracker.ResetConsecutiveFailures()
	f.logger.Infow("Manual realtime retry requested")
	if f.onRetry != nil {
		f.onRetry()
	}
}

// Run evaluates the trigger rules on the quality check interval and,
// while fallback is active, retries push delivery on the configured
// retry interval.
func (f *Fallback) Run(ctx context.Context) {
	evaluate := time.NewTicker(f.cfg.QualityCheckInterval())
	defer evaluate.Stop()
	retry := time.NewTicker(f.cfg.FallbackRetryInterval())
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evaluate.C:
			f.Evaluate(time.Now())
		case <-retry.C:
			if f.Active() && f.onRetry != nil {
				f.logger.Debugw("Attempting to resume push delivery")
				f.onRetry()
			}
		}
	}
}
