// Package broadcast implements the server side of snapshot delivery: the
// subscriber registry with admission control, the debounced broadcaster,
// the heartbeat sweep and the WebSocket handler.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/metrics"
	"github.com/festion/audit-stream/pkg/wire"
)

var (
	// ErrRegistryFull means the concurrent connection cap was reached;
	// the handshake is closed with 1013.
	ErrRegistryFull = errors.New("registry at connection capacity")
	// ErrOriginRejected means the Origin header failed the allow-list;
	// the handshake is closed with 1008.
	ErrOriginRejected = errors.New("origin not allowed")
)

// Registry owns the set of admitted connections. It is injected into the
// broadcaster and heartbeat monitor rather than living as a package-level
// singleton, so multiple instances can coexist in tests.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	max            int
	allowedOrigins []string
	permissive     bool
	startedAt      time.Time
	logger         *zap.SugaredLogger
}

// NewRegistry creates a registry enforcing the given stream limits.
func NewRegistry(cfg config.Stream, logger *zap.Logger) *Registry {
	return &Registry{
		conns:          make(map[*Conn]struct{}),
		max:            cfg.MaxConnections,
		allowedOrigins: cfg.AllowedOrigins,
		permissive:     cfg.Permissive,
		startedAt:      time.Now(),
		logger:         logger.Named("registry").Sugar(),
	}
}

// Admit applies the capacity cap and origin allow-list, and on success
// creates the connection record with its liveness flag set. The caller is
// responsible for closing the raw socket with the right close code when an
// error is returned.
func (r *Registry) Admit(c *Conn, origin string) error {
	if !r.originAllowed(origin) {
		metrics.AdmissionsRejected.WithLabelValues("invalid-origin").Inc()
		r.logger.Warnw("Rejected subscriber with disallowed origin", "origin", origin)
		return ErrOriginRejected
	}

	r.mu.Lock()
	if len(r.conns) >= r.max {
		r.mu.Unlock()
		metrics.AdmissionsRejected.WithLabelValues("overloaded").Inc()
		r.logger.Warnw("Rejected subscriber, registry full", "max", r.max)
		return ErrRegistryFull
	}
	r.conns[c] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	r.logger.Infow("Subscriber admitted", "conn", c.ID(), "clients", count)
	return nil
}

// originAllowed: absent Origin headers always pass, permissive mode
// passes everything, otherwise the header must match the allow-list
// exactly.
func (r *Registry) originAllowed(origin string) bool {
	if origin == "" || r.permissive {
		return true
	}
	for _, allowed := range r.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Remove drops a connection from the registry. Idempotent.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	r.logger.Infow("Subscriber removed", "conn", c.ID(), "clients", count)
}

// Count returns the number of admitted connections; surfaced through the
// status endpoint so polling clients can see how many subscribers are live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// MaxConnections returns the configured cap.
func (r *Registry) MaxConnections() int { return r.max }

// Uptime returns how long this registry (and so the delivery service) has
// been running.
func (r *Registry) Uptime() time.Duration { return time.Since(r.startedAt) }

// List returns a point-in-time copy of the connection set so callers can
// iterate without holding the registry lock across sends.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll force-closes every connection with a normal-closure code; used
// on shutdown so no half-open sockets are leaked.
func (r *Registry) CloseAll() {
	for _, c := range r.List() {
		c.Close(wire.CloseNormal, "server shutting down")
		r.Remove(c)
	}
}
