// Package signal carries the handshake protocol over WebSocket: the
// relay-side controller with its read/write pumps, and the client used by
// peers to talk to the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/app"
	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
)

var ErrConnClosed = errors.New("connection closed")

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (c Config) pongWait() time.Duration { return c.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Relay *app.Relay
	cfg   Config
}

func NewSignalWSController(relay *app.Relay, cfg Config) *SignalWSController {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	return &SignalWSController{Relay: relay, cfg: cfg}
}

type outbound struct {
	data core.Frame
	done chan error
}

// WsSignalConn implements core.SignalConnection over one WebSocket. Frames
// are written by the write pump in queue order.
type WsSignalConn struct {
	id   string
	conn *websocket.Conn
	send chan outbound

	closed chan struct{}
	once   sync.Once
}

func newWsSignalConn(id string, ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		id:     id,
		conn:   ws,
		send:   make(chan outbound, buffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues f and waits until the write pump has written it.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	done := make(chan error, 1)
	if err := c.enqueue(outbound{data: f, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	return c.enqueue(outbound{data: f})
}

func (c *WsSignalConn) enqueue(item outbound) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- item:
		return nil
	default:
		return app.ErrBackpressure
	}
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := c.GetString("conn_id")
	ep, err := domain.ParseEndpoint(c.Request.RemoteAddr)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", connID).Msg("remote address")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("endpoint", ep.String()).Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("conn", connID).Str("endpoint", ep.String()).Msg("new WS connection")

	conn := newWsSignalConn(connID, ws, ctl.cfg.SendBuffer)
	if err := ctl.Relay.Attach(ep, conn); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("endpoint", ep.String()).Msg("attach refused")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, ep, conn)
}
