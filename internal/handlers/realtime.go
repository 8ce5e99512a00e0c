package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/sovsapp/enroll/internal/middleware"
	"github.com/sovsapp/enroll/internal/realtime"
)

// RealtimeHandler upgrades clients to the step-change stream of their flow.
type RealtimeHandler struct {
	hub *realtime.Hub
}

func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /ws/flows
func (h *RealtimeHandler) Stream(c *gin.Context) {
	h.hub.Serve(middleware.FlowID(c), c.Writer, c.Request)
}
