package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/system"
	"github.com/festion/audit-stream/pkg/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testStream struct {
	server      *httptest.Server
	registry    *Registry
	broadcaster *Broadcaster
}

func newTestStream(t *testing.T, cfg config.Stream, load LoadFunc) *testStream {
	t.Helper()

	if cfg.MessageSizeLimit == 0 {
		cfg.MessageSizeLimit = 1024
	}
	log := system.NewTestZapLogger()
	registry := NewRegistry(cfg, log)
	broadcaster := NewBroadcaster(registry, load, cfg.DebounceDelay(), log)
	controller := NewController(cfg, registry, broadcaster, load, nil, log)

	engine := gin.New()
	require.NoError(t, controller.Register(engine.Group("")))

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &testStream{server: server, registry: registry, broadcaster: broadcaster}
}

func (ts *testStream) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"
}

func (ts *testStream) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wire.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
			return
		}
	}
}

func TestSubscription(t *testing.T) {
	t.Run("new subscribers immediately receive the current snapshot", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())

		conn := ts.dial(t, "")
		msg := readEnvelope(t, conn)

		assert.Equal(t, wire.TypeAuditUpdate, msg.Type)
		snap, err := snapshot.Parse(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, snapshot.HealthGreen, snap.HealthStatus)
	})

	t.Run("connections beyond the cap are closed with 1013", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 1, Permissive: true}, staticLoad())

		first := ts.dial(t, "")
		readEnvelope(t, first)

		second := ts.dial(t, "")
		expectClose(t, second, wire.CloseOverloaded)
	})

	t.Run("disallowed origins are closed with 1008", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{
			MaxConnections: 5,
			AllowedOrigins: []string{"https://dashboard.example.com"},
		}, staticLoad())

		conn := ts.dial(t, "https://evil.example.com")
		expectClose(t, conn, wire.CloseInvalidOrigin)
	})

	t.Run("allowed origins are admitted", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{
			MaxConnections: 5,
			AllowedOrigins: []string{"https://dashboard.example.com"},
		}, staticLoad())

		conn := ts.dial(t, "https://dashboard.example.com")
		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypeAuditUpdate, msg.Type)
	})

	t.Run("oversized inbound frames close the connection with 1009", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{
			MaxConnections:   5,
			Permissive:       true,
			MessageSizeLimit: 64,
		}, staticLoad())

		conn := ts.dial(t, "")
		readEnvelope(t, conn)

		big := `{"type":"` + strings.Repeat("x", 128) + `"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
		expectClose(t, conn, wire.CloseTooLarge)
	})
}

func TestDispatch(t *testing.T) {
	setup := func(t *testing.T) *websocket.Conn {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())
		conn := ts.dial(t, "")
		readEnvelope(t, conn)
		return conn
	}

	send := func(t *testing.T, conn *websocket.Conn, payload string) {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	}

	t.Run("ping is answered with pong", func(t *testing.T) {
		conn := setup(t)
		send(t, conn, `{"type":"ping"}`)

		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypePong, msg.Type)
		assert.NotEmpty(t, msg.Timestamp)
	})

	t.Run("get-status reports the subscriber count", func(t *testing.T) {
		conn := setup(t)
		send(t, conn, `{"type":"get-status"}`)

		msg := readEnvelope(t, conn)
		require.Equal(t, wire.TypeStatus, msg.Type)

		var status wire.StatusData
		require.NoError(t, json.Unmarshal(msg.Data, &status))
		assert.Equal(t, 1, status.Clients)
		assert.GreaterOrEqual(t, status.Uptime, 0.0)
	})

	t.Run("request-update resends the snapshot", func(t *testing.T) {
		conn := setup(t)
		send(t, conn, `{"type":"request-update"}`)

		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypeAuditUpdate, msg.Type)
	})

	t.Run("unknown types get an error reply", func(t *testing.T) {
		conn := setup(t)
		send(t, conn, `{"type":"bogus"}`)

		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypeError, msg.Type)
		assert.Contains(t, msg.Message, "Unknown message type: bogus")
	})

	t.Run("invalid payloads get an error reply without disconnecting", func(t *testing.T) {
		conn := setup(t)
		send(t, conn, "this is not json")

		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypeError, msg.Type)
		assert.Equal(t, "Invalid message", msg.Message)

		// Still usable afterwards.
		send(t, conn, `{"type":"ping"}`)
		assert.Equal(t, wire.TypePong, readEnvelope(t, conn).Type)
	})
}

func TestBroadcastFanout(t *testing.T) {
	t.Run("a triggered broadcast reaches every subscriber", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())

		first := ts.dial(t, "")
		second := ts.dial(t, "")
		readEnvelope(t, first)
		readEnvelope(t, second)

		reached := ts.broadcaster.Trigger(context.Background())
		assert.Equal(t, 2, reached)

		assert.Equal(t, wire.TypeAuditUpdate, readEnvelope(t, first).Type)
		assert.Equal(t, wire.TypeAuditUpdate, readEnvelope(t, second).Type)
	})

	t.Run("load failures become error envelopes, not disconnects", func(t *testing.T) {
		var fail atomic.Bool
		load := func(ctx context.Context) ([]byte, error) {
			if fail.Load() {
				return nil, assert.AnError
			}
			return []byte(testSnapshot), nil
		}
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, load)

		conn := ts.dial(t, "")
		readEnvelope(t, conn)

		fail.Store(true)
		ts.broadcaster.Trigger(context.Background())

		msg := readEnvelope(t, conn)
		assert.Equal(t, wire.TypeError, msg.Type)
		assert.Contains(t, msg.Message, "Failed to load audit data")

		// Recovery works over the same connection.
		fail.Store(false)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request-update"}`)))
		assert.Equal(t, wire.TypeAuditUpdate, readEnvelope(t, conn).Type)
	})
}

func TestHeartbeatEviction(t *testing.T) {
	t.Run("unresponsive connections are evicted after two sweeps", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())
		monitor := NewHeartbeatMonitor(ts.registry, time.Hour, system.NewTestZapLogger())

		conn := ts.dial(t, "")
		conn.SetPingHandler(func(string) error { return nil })
		readEnvelope(t, conn)
		require.Equal(t, 1, ts.registry.Count())

		// Client swallows transport pings, so the probe goes unanswered.
		monitor.Sweep()
		assert.Equal(t, 1, ts.registry.Count(), "first sweep only probes")

		monitor.Sweep()
		assert.Equal(t, 0, ts.registry.Count(), "second sweep evicts")

		expectClose(t, conn, 1001)
	})

	t.Run("responsive connections survive repeated sweeps", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())
		monitor := NewHeartbeatMonitor(ts.registry, time.Hour, system.NewTestZapLogger())

		conn := ts.dial(t, "")
		readEnvelope(t, conn)

		// Keep reading so gorilla answers transport pings with pongs.
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		monitor.Sweep()
		time.Sleep(200 * time.Millisecond) // allow the pong to arrive
		monitor.Sweep()
		time.Sleep(200 * time.Millisecond)
		monitor.Sweep()

		assert.Equal(t, 1, ts.registry.Count())
		_ = conn.Close()
		<-done
	})
}

func TestHTTPEndpoints(t *testing.T) {
	t.Run("audit endpoint serves the validated snapshot", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())

		resp, err := http.Get(ts.server.URL + "/audit")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap snapshot.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, snapshot.HealthGreen, snap.HealthStatus)
	})

	t.Run("audit endpoint reports load failures", func(t *testing.T) {
		load := func(ctx context.Context) ([]byte, error) { return nil, assert.AnError }
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, load)

		resp, err := http.Get(ts.server.URL + "/audit")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("status endpoint reports health and capacity", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 7, Permissive: true}, staticLoad())

		resp, err := http.Get(ts.server.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, "healthy", status["status"])
		assert.Equal(t, float64(7), status["maxConnections"])
	})

	t.Run("trigger endpoint broadcasts and reports reach", func(t *testing.T) {
		ts := newTestStream(t, config.Stream{MaxConnections: 5, Permissive: true}, staticLoad())

		conn := ts.dial(t, "")
		readEnvelope(t, conn)

		resp, err := http.Post(ts.server.URL+"/trigger", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Equal(t, "Update triggered", result["message"])
		assert.Equal(t, float64(1), result["clients"])

		assert.Equal(t, wire.TypeAuditUpdate, readEnvelope(t, conn).Type)
	})
}

func staticLoad() LoadFunc {
	return func(context.Context) ([]byte, error) {
		return []byte(testSnapshot), nil
	}
}
