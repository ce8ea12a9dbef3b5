package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/adapters/signal"
	"github.com/dkeye/fedmesh/internal/app"
	"github.com/dkeye/fedmesh/internal/config"
	transport "github.com/dkeye/fedmesh/internal/transport/http"
)

const connIDHeader = "X-Connection-ID"

// ConnIDMiddleware tags every request with an id used to correlate the log
// lines of one WebSocket connection.
func ConnIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(connIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("conn_id", id)
		c.Header(connIDHeader, id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ConnIDMiddleware())

	ctrl := signal.NewSignalWSController(relay, signal.Config{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})
	r.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("conn", c.GetString("conn_id")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	transport.Register(r, relay.Registry)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
