package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/fedmesh/internal/core"
)

// SessionLister is the read side of the session registry.
type SessionLister interface {
	List() []core.SessionInfo
}

type SessionsResponse struct {
	Sessions []core.SessionInfo `json:"sessions"`
	Count    int                `json:"count"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Register mounts the read-only REST endpoints on r.
func Register(r gin.IRouter, sessions SessionLister) {
	r.GET("/healthz", handlerHealth)
	r.GET("/api/sessions", handlerSessions(sessions))
}

func handlerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func handlerSessions(sessions SessionLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := sessions.List()
		if list == nil {
			list = []core.SessionInfo{}
		}
		c.JSON(http.StatusOK, SessionsResponse{Sessions: list, Count: len(list)})
	}
}
