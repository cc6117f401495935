package client

import (
	"sync"
	"time"
)

// ConnectionMetrics is a point-in-time view of the connection health
// counters used by the fallback decision.
type ConnectionMetrics struct {
	ConnectionAttempts  int
	ConnectionFailures  int
	ConsecutiveFailures int
	MessagesSent        int
	MessagesReceived    int
	LastConnectionTime  time.Time
	DisconnectedSince   time.Time
}

// Tracker accumulates connection health counters. Heartbeat traffic
// counts like any other message so an idle but healthy channel keeps a
// high success rate.
type Tracker struct {
	mu sync.Mutex
	m  ConnectionMetrics
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) RecordAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ConnectionAttempts++
}

func (t *Tracker) RecordConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ConsecutiveFailures = 0
	t.m.LastConnectionTime = time.Now()
	t.m.DisconnectedSince = time.Time{}
}

func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ConnectionFailures++
	t.m.ConsecutiveFailures++
	if t.m.DisconnectedSince.IsZero() {
		t.m.DisconnectedSince = time.Now()
	}
}

func (t *Tracker) RecordSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.MessagesSent++
}

func (t *Tracker) RecordReceived() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.MessagesReceived++
}

// ResetMessageWindow starts a fresh sent/received window. Called when
// the push channel recovers so the success rate judges the current
// episode, not an old outage.
func (t *Tracker) ResetMessageWindow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.MessagesSent = 0
	t.m.MessagesReceived = 0
}

// ResetConsecutiveFailures gives a manual retry a clean slate without
// erasing the lifetime counters.
func (t *Tracker) ResetConsecutiveFailures() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ConsecutiveFailures = 0
}

// SuccessRate is received over sent. With nothing sent yet there is no
// evidence of trouble, so the rate is 1.0.
func (t *Tracker) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.MessagesSent == 0 {
		return 1.0
	}
	return float64(t.m.MessagesReceived) / float64(t.m.MessagesSent)
}

func (t *Tracker) Snapshot() ConnectionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}
