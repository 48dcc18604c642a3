// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/repository"
	"github.com/agency-collab/backend/internal/ws"
)

// SessionHandler handles HTTP requests for collaboration session records.
type SessionHandler struct {
	repo   *repository.SessionRepository
	collab *ws.Service
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(repo *repository.SessionRepository, collab *ws.Service) *SessionHandler {
	return &SessionHandler{
		repo:   repo,
		collab: collab,
	}
}

// SessionResponse represents a collaboration session in API responses.
type SessionResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	CreatedAt        string `json:"createdAt"`
	LastActiveAt     string `json:"lastActiveAt"`
	PeakParticipants int    `json:"peakParticipants"`
	LiveParticipants int    `json:"liveParticipants"`
}

// ParticipantResponse represents one live participant in a session roster.
type ParticipantResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.CollabSession to SessionResponse.
func (h *SessionHandler) toSessionResponse(s *model.CollabSession) *SessionResponse {
	return &SessionResponse{
		ID:               s.ID,
		Name:             s.Name,
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		LastActiveAt:     s.LastActiveAt.Format(time.RFC3339),
		PeakParticipants: s.PeakParticipants,
		LiveParticipants: h.collab.ClientCount(s.ID),
	}
}

func toParticipantResponse(identity ws.Identity) ParticipantResponse {
	name := identity.UserName
	if name == "" {
		name = "Unknown User"
	}
	return ParticipantResponse{
		ID:     identity.UserID,
		Name:   name,
		Avatar: identity.Avatar,
		Color:  model.ColorFor(identity.UserID),
	}
}

// sendError sends a JSON error response.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists known collaboration sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.repo.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	responses := make([]*SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		responses = append(responses, h.toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": responses})
}

// Get handles GET /api/sessions/:id - returns one session record plus its
// live roster.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.repo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	roster := h.collab.Roster(sessionID)
	participants := make([]ParticipantResponse, 0, len(roster))
	for _, identity := range roster {
		participants = append(participants, toParticipantResponse(identity))
	}

	c.JSON(http.StatusOK, gin.H{
		"session":      h.toSessionResponse(session),
		"participants": participants,
	})
}

// Delete handles DELETE /api/sessions/:id - removes a session record.
// Sessions with live participants cannot be deleted.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if h.collab.ClientCount(sessionID) > 0 {
		sendError(c, http.StatusConflict, "SESSION_ACTIVE", "Session has live participants")
		return
	}

	if err := h.repo.Delete(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.DELETE("/sessions/:id", h.Delete)
}
