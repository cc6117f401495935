package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/festion/audit-stream/pkg/api"
	"github.com/festion/audit-stream/pkg/config"
	"github.com/festion/audit-stream/pkg/metrics"
	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/version"
	"github.com/festion/audit-stream/pkg/wire"
)

// Controller mounts the delivery endpoints: the WebSocket handshake, the
// snapshot read endpoint used by polling clients, the status query and the
// manual broadcast trigger.
type Controller struct {
	cfg         config.Stream
	registry    *Registry
	broadcaster *Broadcaster
	load        LoadFunc
	limiter     gin.HandlerFunc
	upgrader    websocket.Upgrader
	logger      *zap.SugaredLogger
}

// NewController builds the stream controller. limiter may be nil when no
// rate limiting is wanted (tests).
func NewController(cfg config.Stream, registry *Registry, broadcaster *Broadcaster, load LoadFunc, limiter gin.HandlerFunc, log *zap.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		registry:    registry,
		broadcaster: broadcaster,
		load:        load,
		limiter:     limiter,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced after the upgrade so rejected
			// clients receive a proper close code instead of a 403.
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: log.Named("stream").Sugar(),
	}
}

func (sc *Controller) BasePath() string { return "" }

func (sc *Controller) Handlers() []gin.HandlerFunc { return nil }

func (sc *Controller) Register(rg *gin.RouterGroup) error {
	wsHandlers := gin.HandlersChain{}
	if sc.limiter != nil {
		wsHandlers = append(wsHandlers, sc.limiter)
	}
	rg.GET("/ws", append(wsHandlers, sc.handleSocket)...)
	rg.GET("/audit", sc.handleAudit)
	rg.GET("/status", sc.handleStatus)
	rg.POST("/trigger", append(wsHandlers, sc.handleTrigger)...)
	return nil
}

// handleSocket upgrades the connection, runs admission control and then
// serves the read loop until the subscriber goes away.
func (sc *Controller) handleSocket(c *gin.Context) {
	origin := c.GetHeader("Origin")

	ws, err := sc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sc.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	conn := newConn(ws)
	if err := sc.registry.Admit(conn, origin); err != nil {
		switch {
		case errors.Is(err, ErrRegistryFull):
			conn.Close(wire.CloseOverloaded, "overloaded")
		case errors.Is(err, ErrOriginRejected):
			conn.Close(wire.CloseInvalidOrigin, "invalid origin")
		default:
			conn.Close(wire.CloseNormal, "")
		}
		return
	}

	ws.SetReadLimit(sc.cfg.MessageSizeLimit)
	ws.SetPongHandler(func(string) error {
		conn.markAlive()
		return nil
	})

	// New subscribers get the current snapshot immediately.
	if err := sc.broadcaster.SendCurrent(c.Request.Context(), conn); err != nil {
		sc.logger.Warnw("Initial snapshot send failed", "conn", conn.ID(), "error", err)
	}

	sc.readLoop(c, conn, ws)
}

func (sc *Controller) readLoop(c *gin.Context, conn *Conn, ws *websocket.Conn) {
	defer func() {
		sc.registry.Remove(conn)
		conn.Close(wire.CloseNormal, "")
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla already sent close 1009 for us
				metrics.MessagesOversized.Inc()
				sc.logger.Warnw("Subscriber sent oversized message", "conn", conn.ID())
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.logger.Debugw("Subscriber connection error", "conn", conn.ID(), "error", err)
			}
			return
		}

		sc.dispatch(c, conn, raw)
	}
}

// dispatch handles one inbound envelope from a subscriber.
func (sc *Controller) dispatch(c *gin.Context, conn *Conn, raw []byte) {
	var msg wire.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = conn.Send(wire.NewError("Invalid message"))
		return
	}

	switch msg.Type {
	case wire.TypePing:
		_ = conn.Send(wire.NewPong())

	case wire.TypePong:
		// application-level probe response
		conn.markAlive()

	case wire.TypeRequestUpdate:
		if err := sc.broadcaster.SendCurrent(c.Request.Context(), conn); err != nil {
			sc.logger.Debugw("request-update send failed", "conn", conn.ID(), "error", err)
		}

	case wire.TypeGetStatus:
		status, err := wire.NewStatus(wire.StatusData{
			Clients: sc.registry.Count(),
			Uptime:  sc.registry.Uptime().Seconds(),
		})
		if err == nil {
			_ = conn.Send(status)
		}

	default:
		_ = conn.Send(wire.NewError(fmt.Sprintf("Unknown message type: %s", msg.Type)))
	}
}

// handleAudit is the polling read endpoint: the validated current snapshot
// as plain JSON.
func (sc *Controller) handleAudit(c *gin.Context) {
	payload, err := sc.load(c.Request.Context())
	if err != nil {
		api.RespondInternalError(c, "load audit data", err, sc.logger)
		return
	}
	snap, err := snapshot.Parse(payload)
	if err != nil {
		api.RespondInternalError(c, "validate audit data", err, sc.logger)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (sc *Controller) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"clients":        sc.registry.Count(),
		"maxConnections": sc.registry.MaxConnections(),
		"uptime":         sc.registry.Uptime().Seconds(),
		"timestamp":      wire.Now(),
		"version":        version.Version,
	})
}

func (sc *Controller) handleTrigger(c *gin.Context) {
	clients := sc.broadcaster.Trigger(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"message":   "Update triggered",
		"clients":   clients,
		"timestamp": wire.Now(),
	})
}
