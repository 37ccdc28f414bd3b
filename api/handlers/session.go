// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voglster/lumbergh-sub000/internal/model"
	"github.com/voglster/lumbergh-sub000/internal/session"
)

// ClientCounter reports how many stream clients are attached to a session.
type ClientCounter interface {
	ClientCount(sessionID string) int
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	clients        ClientCounter
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager, clients ClientCounter) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		clients:        clients,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name    string            `json:"name" binding:"required"`
	Command string            `json:"command" binding:"required"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
}

// RenameSessionRequest represents the request body for renaming a session.
type RenameSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// SendRequest is a one-shot command typed into a session. Enter defaults to
// true.
type SendRequest struct {
	Text  string `json:"text"`
	Enter *bool  `json:"enter"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Workdir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Status      string            `json:"status"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	PID         *int              `json:"pid,omitempty"`
	IdleState   string            `json:"idleState"`
	Clients     int               `json:"clients"`
	LogFilePath string            `json:"logFilePath,omitempty"`
	Duration    string            `json:"duration"`
	CreatedAt   string            `json:"createdAt"`
	UpdatedAt   string            `json:"updatedAt"`
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

// toResponse converts a model.Session to SessionResponse.
func (h *SessionHandler) toResponse(s *model.Session) *SessionResponse {
	idleState := s.IdleState
	if idleState == "" {
		idleState = "unknown"
	}
	var clients int
	if h.clients != nil {
		clients = h.clients.ClientCount(s.ID)
	}
	return &SessionResponse{
		ID:          s.ID,
		Name:        s.Name,
		Command:     s.Command,
		Workdir:     s.Workdir,
		Env:         s.Env,
		Status:      string(s.Status),
		ExitCode:    s.ExitCode,
		PID:         s.PID,
		IdleState:   idleState,
		Clients:     clients,
		LogFilePath: s.LogFilePath,
		Duration:    formatDuration(s.Duration()),
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps a session manager error onto the error envelope.
func sendSessionError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+name+" not found")
	case errors.Is(err, model.ErrSessionExists):
		sendError(c, http.StatusConflict, "SESSION_EXISTS", err.Error())
	case errors.Is(err, model.ErrNameRequired),
		errors.Is(err, model.ErrInvalidName),
		errors.Is(err, model.ErrCommandRequired):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, model.ErrConcurrencyLimit):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, model.ErrSessionDead):
		sendError(c, http.StatusConflict, "SESSION_NOT_RUNNING", "Session "+name+" is not running")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &model.CreateSessionRequest{
		Name:    req.Name,
		Command: req.Command,
		Workdir: req.Workdir,
		Env:     req.Env,
	})
	if err != nil {
		sendSessionError(c, req.Name, err)
		return
	}

	c.JSON(http.StatusCreated, h.toResponse(sess))
}

// List handles GET /api/sessions - lists all sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessionManager.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = h.toResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:name - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	name := c.Param("name")
	sess, err := h.sessionManager.Get(c.Request.Context(), name)
	if err != nil {
		sendSessionError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(sess))
}

// Delete handles DELETE /api/sessions/:name - kills and removes a session.
func (h *SessionHandler) Delete(c *gin.Context) {
	name := c.Param("name")
	if err := h.sessionManager.Delete(c.Request.Context(), name); err != nil {
		sendSessionError(c, name, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Rename handles POST /api/sessions/:name/rename.
func (h *SessionHandler) Rename(c *gin.Context) {
	name := c.Param("name")
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Rename(c.Request.Context(), name, req.Name)
	if err != nil {
		sendSessionError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(sess))
}

// Reset handles POST /api/sessions/:name/reset - restarts the session's
// command. Attached streams stay connected.
func (h *SessionHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	sess, err := h.sessionManager.Reset(c.Request.Context(), name)
	if err != nil {
		sendSessionError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(sess))
}

// Send handles POST /api/sessions/:name/send - types a command into the
// session without a stream.
func (h *SessionHandler) Send(c *gin.Context) {
	name := c.Param("name")
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	enter := req.Enter == nil || *req.Enter
	if req.Text == "" && !enter {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Nothing to send")
		return
	}

	if err := h.sessionManager.Send(c.Request.Context(), name, req.Text, enter); err != nil {
		sendSessionError(c, name, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLogs handles GET /api/sessions/:name/logs - downloads the session's
// asciinema recording.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	name := c.Param("name")
	sess, err := h.sessionManager.Get(c.Request.Context(), name)
	if err != nil {
		sendSessionError(c, name, err)
		return
	}

	if sess.LogFilePath == "" {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "No recording for session "+name)
		return
	}
	if _, err := os.Stat(sess.LogFilePath); err != nil {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "No recording for session "+name)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+name+".cast")
	c.File(sess.LogFilePath)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:name", h.Get)
		sessions.DELETE("/:name", h.Delete)
		sessions.POST("/:name/rename", h.Rename)
		sessions.POST("/:name/reset", h.Reset)
		sessions.POST("/:name/send", h.Send)
		sessions.GET("/:name/logs", h.GetLogs)
	}
}
