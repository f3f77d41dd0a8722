// Package ws terminates WebSocket connections and demultiplexes the
// declared sub-protocol onto the echo, CLI or Janus signaling handler.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomsig/roomsig/internal/app"
	"github.com/roomsig/roomsig/internal/config"
)

// Sub-protocol names offered during the handshake.
const (
	ProtoJanus = "janus-protocol"
	ProtoCLI   = "cli.roomsig.org"
	ProtoEcho  = "echo.roomsig.org"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Cfg *config.Config
	Gw  *app.Gateway
}

func NewController(cfg *config.Config, gw *app.Gateway) *Controller {
	return &Controller{Cfg: cfg, Gw: gw}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{ProtoJanus, ProtoCLI, ProtoEcho},
}

// HandleWS upgrades the connection and hands it to the handler selected by
// the negotiated sub-protocol. No sub-protocol means signaling.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	proto := ws.Subprotocol()
	log.Info().Str("module", "ws").Str("client", sid).Str("subprotocol", proto).Msg("new WS connection")

	switch proto {
	case ProtoEcho:
		ctl.echoLoop(ctx, ws)
	case ProtoCLI:
		ctl.cliLoop(ctx, ws)
	default:
		ctl.signalLoop(ctx, ws)
	}
}

// wsConn is the signaling transport: a buffered send channel drained by a
// dedicated writer so TrySend never blocks the dispatcher.
type wsConn struct {
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *Controller) signalLoop(ctx context.Context, ws *websocket.Conn) {
	conn := &wsConn{
		conn:         ws,
		send:         make(chan []byte, ctl.Cfg.SendBuffer),
		writeTimeout: ctl.Cfg.WriteTimeout,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ctl.writePump(ctx, conn)
	ctl.readPump(ctx, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "ws").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		// The session outlives the transport; only queued frames for
		// this connection are discarded.
		ctl.Gw.Registry.DetachTransport(c)
		c.Close()
		log.Info().Str("module", "ws").Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("module", "ws").Msg("readPump read error")
				}
				return
			}
			ctl.Gw.HandleFrame(c, data)
		}
	}
}

// echoLoop reflects every frame back as a binary frame.
func (ctl *Controller) echoLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}
