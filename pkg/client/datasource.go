package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/wire"
)

// DataSource unifies push and polling delivery behind a single snapshot
// stream. Push is used while the channel is connected and the user has
// realtime enabled; otherwise the HTTP endpoint is polled. Either way
// consumers see validated, deduplicated snapshots.
type DataSource struct {
	cfg      config.Client
	prefs    PreferenceStore
	manager  *Manager
	fallback *Fallback
	quality  *QualityMonitor
	rest     *resty.Client
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	realtime bool
	current  *snapshot.Snapshot
	lastHash uint64
	lastErr  string

	onSnapshot func(*snapshot.Snapshot)
	onState    func(State)
}

func NewDataSource(cfg config.Client, prefs PreferenceStore, logger *zap.Logger) (*DataSource, error) {
	tracker := NewTracker()
	manager, err := NewManager(cfg, tracker, logger)
	if err != nil {
		return nil, err
	}

	realtime, err := prefs.RealtimeEnabled()
	if err != nil {
		logger.Sugar().Warnw("Reading realtime preference failed, defaulting to push", "error", err)
		realtime = true
	}

	ds := &DataSource{
		cfg:      cfg,
		prefs:    prefs,
		manager:  manager,
		fallback: NewFallback(cfg, tracker, logger),
		quality:  NewQualityMonitor(manager, StatusInterval, logger),
		rest: resty.New().
			SetBaseURL(cfg.Endpoint).
			SetTimeout(cfg.ConnectTimeout()),
		logger:   logger.Named("datasource").Sugar(),
		realtime: realtime,
	}
	manager.OnMessage(ds.handleMessage)
	manager.OnState(ds.handleState)
	return ds, nil
}

// OnSnapshot registers the callback invoked for every new snapshot. Set
// before Start.
func (d *DataSource) OnSnapshot(fn func(*snapshot.Snapshot)) { d.onSnapshot = fn }

// OnState registers a callback for connection state transitions. Set
// before Start.
func (d *DataSource) OnState(fn func(State)) { d.onState = fn }

// Manager exposes the underlying connection for status display.
func (d *DataSource) Manager() *Manager { return d.manager }

// Fallback exposes the fallback decision for status display and manual
// retry.
func (d *DataSource) Fallback() *Fallback { return d.fallback }

// Quality returns the current connection quality grade.
func (d *DataSource) Quality() Quality { return d.quality.Current() }

// Start begins delivery in the preferred mode and blocks until the
// context is cancelled.
func (d *DataSource) Start(ctx context.Context) {
	d.fallback.OnActivate(func() {
		// Polling loop notices Active() on its next tick; nothing to do
		// beyond an immediate refresh so the user is not left stale.
		d.poll(ctx)
	})
	d.fallback.OnRetry(func() {
		d.manager.Connect(ctx)
	})

	if d.RealtimeEnabled() {
		d.manager.Connect(ctx)
	}
	go d.fallback.Run(ctx)
	go d.quality.Run(ctx)

	d.pollLoop(ctx)
}

// RealtimeEnabled reports the persisted delivery preference.
func (d *DataSource) RealtimeEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.realtime
}

// SetRealtimeEnabled switches delivery modes and persists the choice.
func (d *DataSource) SetRealtimeEnabled(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	d.realtime = enabled
	d.mu.Unlock()

	if err := d.prefs.SetRealtimeEnabled(enabled); err != nil {
		return fmt.Errorf("persisting realtime preference: %w", err)
	}
	if enabled {
		d.manager.Connect(ctx)
	} else {
		d.manager.Disconnect()
	}
	return nil
}

// Current returns the last good snapshot and the last delivery error, if
// any. A validation failure never clears the previous good snapshot.
func (d *DataSource) Current() (*snapshot.Snapshot, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.lastErr
}

// usePolling decides the active delivery path: polling covers every case
// where push is not both wanted and healthy.
func (d *DataSource) usePolling() bool {
	if !d.RealtimeEnabled() {
		return true
	}
	if d.fallback.Active() {
		return true
	}
	return d.manager.State() != StateConnected
}

func (d *DataSource) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollingInterval())
	defer ticker.Stop()

	if d.usePolling() {
		d.poll(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.usePolling() {
				d.poll(ctx)
			}
		}
	}
}

func (d *DataSource) poll(ctx context.Context) {
	resp, err := d.rest.R().SetContext(ctx).Get("/audit")
	if err != nil {
		d.setError(fmt.Sprintf("polling audit endpoint: %v", err))
		return
	}
	if resp.IsError() {
		d.setError(fmt.Sprintf("audit endpoint returned %s", resp.Status()))
		return
	}
	d.apply(resp.Body())
}

func (d *DataSource) handleState(s State) {
	if s == StateConnected {
		d.fallback.NoteRecovered()
		d.quality.Check()
	}
	if d.onState != nil {
		d.onState(s)
	}
}

func (d *DataSource) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeAuditUpdate:
		d.apply([]byte(msg.Data))
	case wire.TypeError:
		d.setError(msg.Message)
	case wire.TypeRaw:
		d.logger.Debugw("Ignoring unparseable payload")
	}
}

// apply validates and stores a snapshot payload. Byte-identical payloads
// are dropped so repeated polls of an unchanged report do not re-render.
func (d *DataSource) apply(data []byte) {
	hash := snapshot.Hash(data)

	d.mu.Lock()
	if hash == d.lastHash && d.current != nil {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	snap, err := snapshot.Parse(data)
	if err != nil {
		d.setError(fmt.Sprintf("invalid snapshot: %v", err))
		return
	}

	d.mu.Lock()
	d.current = snap
	d.lastHash = hash
	d.lastErr = ""
	d.mu.Unlock()

	if d.onSnapshot != nil {
		d.onSnapshot(snap)
	}
}

func (d *DataSource) setError(msg string) {
	d.mu.Lock()
	d.lastErr = msg
	d.mu.Unlock()
	d.logger.Warnw("Snapshot delivery error", "error", msg)
}
