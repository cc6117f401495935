// Package client implements the subscriber side of the audit stream: the
// reconnecting push channel, connection quality tracking and the fallback
// to HTTP polling when the channel proves unreliable.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/wire"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateError is terminal: entered after exhausting reconnect attempts
	// or on a non-retryable close code. Only an explicit Connect leaves it.
	StateError State = "error"
)

// Manager maintains the push channel: dialing, exponential backoff
// reconnects, an outbound FIFO queue for messages sent while offline,
// and an application-level heartbeat that doubles as a latency probe.
type Manager struct {
	cfg     config.Client
	url     string
	dialer  *websocket.Dialer
	tracker *Tracker
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	running  bool
	conn     *websocket.Conn
	queue    [][]byte
	attempt  int
	cancel   context.CancelFunc
	pingSent time.Time
	latency  time.Duration
	sampled  bool

	writeMu sync.Mutex

	onState   func(State)
	onMessage func(wire.Message)
}

func NewManager(cfg config.Client, tracker *Tracker, logger *zap.Logger) (*Manager, error) {
	socket, err := socketURL(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Manager{
		cfg: cfg,
		url: socket,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout(),
		},
		tracker: tracker,
		logger:  logger.Named("connection").Sugar(),
		state:   StateDisconnected,
	}, nil
}

// socketURL maps the HTTP endpoint to its push channel counterpart.
func socketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// OnState registers the state transition callback. Set before Connect.
func (m *Manager) OnState(fn func(State)) { m.onState = fn }

// OnMessage registers the inbound envelope callback. Set before Connect.
func (m *Manager) OnMessage(fn func(wire.Message)) { m.onMessage = fn }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latency returns the last measured round-trip time. The boolean is
// false until the first pong arrives.
func (m *Manager) Latency() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency, m.sampled
}

// Connect starts the connection loop. Calling it while already
// connecting or connected is a no-op; calling it from StateError starts
// a fresh attempt cycle.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.attempt = 0
	m.mu.Unlock()

	go m.run(runCtx)
}

// Disconnect closes the channel cleanly and stops reconnecting. The
// session teardown sends the close frame and closes the socket.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Send delivers an envelope over the channel, or queues it FIFO while
// disconnected. Queued messages flush in order on the next connect.
func (m *Manager) Send(msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, data); err != nil {
		m.mu.Lock()
		m.queue = append([][]byte{data}, m.queue...)
		m.mu.Unlock()
		return err
	}
	m.tracker.RecordSent()
	return nil
}

func (m *Manager) write(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		m.setState(StateConnecting)
		m.tracker.RecordAttempt()

		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			m.tracker.RecordFailure()
			m.logger.Warnw("Dial failed", "url", m.url, "error", err)
			if !m.awaitRetry(ctx) {
				return
			}
			continue
		}

		m.adopt(conn)
		retryable := m.session(ctx, conn)
		m.drop(conn)

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.tracker.RecordFailure()
		if !retryable {
			m.logger.Warn("Server refused the connection permanently")
			m.setState(StateError)
			return
		}
		if !m.awaitRetry(ctx) {
			return
		}
	}
}

// awaitRetry sleeps for the backoff delay of the current attempt. It
// returns false once attempts are exhausted or the context is cancelled.
func (m *Manager) awaitRetry(ctx context.Context) bool {
	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	m.mu.Unlock()

	if attempt >= m.cfg.MaxReconnectAttempts {
		m.logger.Errorw("Reconnect attempts exhausted", "attempts", attempt)
		m.setState(StateError)
		return false
	}

	delay := backoffDelay(attempt, m.cfg.ReconnectBaseInterval(), m.cfg.ReconnectMaxInterval())
	m.logger.Infow("Reconnecting", "attempt", attempt+1, "delay", delay)
	m.setState(StateDisconnected)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// backoffDelay doubles the base delay per attempt up to the cap.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// adopt installs a freshly dialed connection, flushes the offline queue
// in arrival order and only then announces the connected state. A
// message sent from the connect callback therefore lands behind the
// queued backlog, never ahead of it.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.attempt = 0
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			// The empty queue and the state change are observed under
			// the same lock, so a concurrent Send cannot slip a message
			// into the queue after the final drain.
			changed := m.state != StateConnected
			m.state = StateConnected
			m.mu.Unlock()

			m.tracker.RecordConnected()
			m.logger.Infow("Connected", "url", m.url)
			if changed && m.onState != nil {
				m.onState(StateConnected)
			}
			return
		}
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, data := range pending {
			if err := m.write(conn, data); err != nil {
				m.logger.Warnw("Flushing queued message failed", "error", err)
				m.mu.Lock()
				m.queue = append(pending[i:], m.queue...)
				m.mu.Unlock()
				return
			}
			m.tracker.RecordSent()
		}
	}
}

func (m *Manager) drop(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

// session pumps the connection until it fails or the context ends. The
// return value reports whether the failure is worth retrying.
func (m *Manager) session(ctx context.Context, conn *websocket.Conn) bool {
	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.heartbeat(sessionCtx)

	// Cancelling the dial context does not interrupt an established
	// connection, so teardown has to close the socket itself or a silent
	// peer would pin ReadMessage forever.
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(wire.CloseNormal, ""), deadline)
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				m.logger.Warnw("Connection closed", "code", closeErr.Code, "reason", closeErr.Text)
				return wire.Retryable(closeErr.Code)
			}
			m.logger.Warnw("Read failed", "error", err)
			return true
		}
		m.dispatch(data)
	}
}

// heartbeat sends application-level pings on the configured interval so
// the pong round trip can be timed.
func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.pingSent = time.Now()
			m.mu.Unlock()
			if err := m.Send(wire.NewPing()); err != nil {
				m.logger.Debugw("Heartbeat send failed", "error", err)
			}
		}
	}
}

// dispatch decodes an inbound payload and hands it to the consumer.
// Payloads that are not valid envelopes are forwarded as raw messages
// rather than dropped. Pongs only update the latency sample and are
// never forwarded.
func (m *Manager) dispatch(data []byte) {
	m.tracker.RecordReceived()

	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		msg = wire.NewRaw(string(data))
	}

	if msg.Type == wire.TypePong {
		m.mu.Lock()
		if !m.pingSent.IsZero() {
			m.latency = time.Since(m.pingSent)
			m.sampled = true
		}
		m.mu.Unlock()
		return
	}

	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.onState != nil {
		m.onState(s)
	}
}
