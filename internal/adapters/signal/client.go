package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

// Handler consumes one message read from the relay. Returning an error
// wrapping domain.ErrRankUnresolved or domain.ErrCapacityExceeded stops Run.
type Handler func(ctx context.Context, m protocol.Message) error

// Client is a peer's connection to the relay.
type Client struct {
	conn      *websocket.Conn
	self      domain.Endpoint
	writeWait time.Duration
	logger    zerolog.Logger

	// gorilla allows a single concurrent writer.
	mu sync.Mutex

	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, writeWait time.Duration) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	self, err := domain.EndpointFromAddr(ws.LocalAddr())
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &Client{
		conn:      ws,
		self:      self,
		writeWait: writeWait,
		logger:    log.With().Str("module", "signal").Str("self", self.String()).Logger(),
	}, nil
}

// Self is the local socket address, which is how the relay identifies this
// peer when no address translation sits in between.
func (c *Client) Self() domain.Endpoint { return c.self }

func (c *Client) Send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %T: %w", m, err)
	}
	return nil
}

// Run reads messages until ctx is done, the relay goes away or h returns a
// fatal error. Messages are handed to h one at a time, in arrival order.
func (c *Client) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read relay: %w", err)
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("malformed message from relay")
			continue
		}
		if err := h(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrRankUnresolved) || errors.Is(err, domain.ErrCapacityExceeded) {
				return err
			}
			c.logger.Warn().Err(err).Msgf("%T dropped", msg)
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
