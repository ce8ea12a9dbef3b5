package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", c.id).Msg("writePump ctx done")
			return
		case <-c.closed:
			return
		case item := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("writePump set deadline")
				deliverResult(item, err)
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, item.data)
			deliverResult(item, err)
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", c.id).Msg("ping failed")
				return
			}
		}
	}
}

func deliverResult(item outbound, err error) {
	if item.done != nil {
		item.done <- err
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, ep domain.Endpoint, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", c.id).Str("endpoint", ep.String()).Msg("readPump closing")
		ctl.Relay.Detach(ep)
		c.Close()
		cancel()
	}()

	if ctl.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", c.id).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(ctx, ep, c, data)
	}
}

// handleSignal hands one document to the relay. Every failure is logged and
// the connection keeps reading.
func (ctl *SignalWSController) handleSignal(ctx context.Context, ep domain.Endpoint, c *WsSignalConn, data []byte) {
	err := ctl.Relay.OnMessage(ctx, ep, data)
	if err == nil {
		return
	}
	ev := log.Warn()
	switch {
	case errors.Is(err, domain.ErrMalformedMessage):
		ev = ev.Int("bytes", len(data))
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrAlreadyJoined):
		ev = log.Info()
	}
	ev.Err(err).Str("module", "signal").Str("conn", c.id).Str("endpoint", ep.String()).Msg("message dropped")
}
