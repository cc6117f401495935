package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/festion/audit-stream/pkg/wire"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered broken.
const writeWait = 10 * time.Second

// Conn is one admitted subscriber connection. It is owned exclusively by
// the Registry; the write mutex serializes frame writes because fan-out,
// the heartbeat sweep and the per-connection read loop all send frames.
type Conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex // guards ws writes and the flags below
	alive  bool
	closed bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		ws:    ws,
		alive: true,
	}
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// Send encodes and writes an envelope. Returns an error if the connection
// is already closed or the transport write fails.
func (c *Conn) Send(msg wire.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-serialized payload; fan-out uses this so the
// snapshot is serialized once per broadcast, not once per connection.
func (c *Conn) SendRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a transport-level liveness probe.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame with the given code and tears the transport
// down. Safe to call more than once.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// markAlive records a probe response; the next sweep will not evict this
// connection.
func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweep implements the two-phase liveness check: it returns false if the
// previous probe went unanswered, otherwise clears the flag so the next
// probe response has to set it again.
func (c *Conn) sweep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	c.alive = false
	return true
}

// IsOpen reports whether the connection can still be written to.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
