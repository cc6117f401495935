package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/metrics"
	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/wire"
)

// LoadFunc reads the current snapshot payload from the external audit
// process (typically the report file it writes).
type LoadFunc func(ctx context.Context) ([]byte, error)

// Broadcaster turns change notifications into fan-out deliveries. Rapid
// notifications inside the debounce window are coalesced; the latest
// snapshot wins. Delivery is best-effort, at most once per cycle: closed
// connections are skipped and send failures never abort the remaining
// fan-out.
type Broadcaster struct {
	registry *Registry
	load     LoadFunc
	debounce time.Duration
	logger   *zap.SugaredLogger

	mu            sync.Mutex
	lastBroadcast time.Time
}

// NewBroadcaster wires a broadcaster to a registry and snapshot loader.
func NewBroadcaster(registry *Registry, load LoadFunc, debounce time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		load:     load,
		debounce: debounce,
		logger:   logger.Named("broadcaster").Sugar(),
	}
}

// Notify handles an external change notification. Notifications arriving
// less than the debounce window after the previous broadcast are dropped;
// the debounce is a timestamp comparison, not a timer, so there is nothing
// to cancel on teardown.
func (b *Broadcaster) Notify(ctx context.Context) {
	b.mu.Lock()
	if time.Since(b.lastBroadcast) < b.debounce {
		b.mu.Unlock()
		metrics.BroadcastsCoalesced.Inc()
		b.logger.Debugw("Change notification coalesced by debounce window")
		return
	}
	b.lastBroadcast = time.Now()
	b.mu.Unlock()

	b.broadcast(ctx)
}

// Trigger forces one broadcast cycle regardless of the debounce window and
// returns the number of connections reached. Used by the manual trigger
// endpoint.
func (b *Broadcaster) Trigger(ctx context.Context) int {
	b.mu.Lock()
	b.lastBroadcast = time.Now()
	b.mu.Unlock()
	return b.broadcast(ctx)
}

// SendCurrent delivers the current snapshot to a single connection,
// outside the debounce window. Used on admission and for explicit
// request-update messages.
func (b *Broadcaster) SendCurrent(ctx context.Context, c *Conn) error {
	payload, err := b.prepare(ctx)
	if err != nil {
		b.logger.Warnw("Failed to prepare snapshot for single connection", "conn", c.ID(), "error", err)
		return c.Send(wire.NewError(fmt.Sprintf("Failed to load audit data: %v", err)))
	}
	return c.SendRaw(payload)
}

// broadcast runs one validate → serialize-once → fan-out cycle.
func (b *Broadcaster) broadcast(ctx context.Context) int {
	conns := b.registry.List()

	payload, err := b.prepare(ctx)
	if err != nil {
		metrics.SnapshotLoadFailures.Inc()
		b.logger.Errorw("Aborting broadcast, snapshot unavailable", "error", err)
		// Tell subscribers about the load error without disconnecting them.
		errMsg := wire.NewError(fmt.Sprintf("Failed to load audit data: %v", err))
		for _, c := range conns {
			if sendErr := c.Send(errMsg); sendErr != nil {
				b.logger.Debugw("Failed to notify subscriber of load error", "conn", c.ID(), "error", sendErr)
			}
		}
		return 0
	}

	sent := 0
	failed := 0
	for _, c := range conns {
		if !c.IsOpen() {
			continue
		}
		if err := c.SendRaw(payload); err != nil {
			failed++
			metrics.SendFailures.Inc()
			b.logger.Debugw("Send failed during fan-out", "conn", c.ID(), "error", err)
			continue
		}
		sent++
	}

	metrics.BroadcastsSent.Inc()
	b.logger.Infow("Broadcast complete", "sent", sent, "failed", failed)
	return sent
}

// prepare loads and validates the snapshot, then serializes the update
// envelope exactly once so every connection gets the same bytes.
func (b *Broadcaster) prepare(ctx context.Context) ([]byte, error) {
	raw, err := b.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	snap, err := snapshot.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("validating snapshot: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("serializing snapshot: %w", err)
	}

	return wire.NewUpdate(data).Encode()
}
