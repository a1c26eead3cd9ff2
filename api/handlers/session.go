// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/repository"
	"github.com/remote-agent-terminal/wsterm/internal/terminal"
)

const defaultListLimit = 100

// SessionHandler serves the session audit trail.
type SessionHandler struct {
	repo      *repository.SessionRepository
	terminals *terminal.Manager
	recordDir string
}

// NewSessionHandler creates a new SessionHandler. recordDir may be empty
// when terminal recording is off.
func NewSessionHandler(repo *repository.SessionRepository, terminals *terminal.Manager, recordDir string) *SessionHandler {
	return &SessionHandler{
		repo:      repo,
		terminals: terminals,
		recordDir: recordDir,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID            string `json:"id"`
	WorkspaceRoot string `json:"workspaceRoot"`
	State         string `json:"state"`
	Terminal      string `json:"terminal,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Attached      bool   `json:"attached"`
	Duration      string `json:"duration"`
	LastActivity  string `json:"lastActivity,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:            s.ID,
		WorkspaceRoot: s.WorkspaceRoot,
		State:         string(s.State),
		Terminal:      string(s.Terminal),
		Reason:        string(s.Reason),
		ExitCode:      s.ExitCode,
		Duration:      formatDuration(s.Duration()),
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
	if !s.LastActivity.IsZero() {
		resp.LastActivity = s.LastActivity.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
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

// live corrects a row whose terminal the registry no longer holds. The
// closing update may not have been written yet.
func (h *SessionHandler) live(s *model.Session) *SessionResponse {
	ts, ok := h.terminals.Get(s.ID)
	if !ok && s.Terminal != model.TerminalClosed {
		s.Terminal = model.TerminalClosed
	}
	resp := toSessionResponse(s)
	resp.Attached = ok && ts.Attached()
	return resp
}

// List handles GET /api/sessions - lists the most recent sessions.
func (h *SessionHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.repo.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = h.live(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.repo.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, h.live(sess))
}

// GetLogs handles GET /api/sessions/:id/logs - downloads the session recording.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	sessionID := c.Param("id")
	if h.recordDir == "" {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Terminal recording is disabled")
		return
	}
	exists, err := h.repo.Exists(c.Request.Context(), sessionID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	if !exists {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return
	}

	path := filepath.Join(h.recordDir, filepath.Base(sessionID)+".cast")
	if _, err := os.Stat(path); err != nil {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Log file not found for session "+sessionID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".cast")
	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}
