package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agency-collab/backend/internal/ws"
)

// WebSocketHandler handles WebSocket join requests for collaboration
// sessions.
type WebSocketHandler struct {
	collab *ws.Service
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(collab *ws.Service) *WebSocketHandler {
	return &WebSocketHandler{collab: collab}
}

// Join handles WS /api/collab/:id - joins a session via WebSocket.
// The participant identity is carried in the query string; the session is
// created implicitly on first join.
func (h *WebSocketHandler) Join(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	identity := ws.Identity{
		UserID:   c.Query("userId"),
		UserName: c.Query("userName"),
		Avatar:   c.Query("avatar"),
	}
	if identity.UserID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "userId is required")
		return
	}

	if err := h.collab.JoinSession(c.Writer, c.Request, sessionID, identity); err != nil {
		// Upgrade failures have already written a response.
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/collab/:id", h.Join)
}
