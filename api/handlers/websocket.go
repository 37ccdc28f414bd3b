package handlers

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/voglster/lumbergh-sub000/internal/ws"
)

// WebSocketHandler serves session streams.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Stream handles GET /api/sessions/:name/stream. The connection is always
// upgraded; unknown and ended sessions are reported on the stream so the
// client can tell them apart from network failures.
func (h *WebSocketHandler) Stream(c *gin.Context) {
	name := c.Param("name")
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, name); err != nil {
		// The upgrader has already written the HTTP error.
		log.Printf("Stream upgrade for session %s failed: %v", name, err)
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:name/stream", h.Stream)
}
