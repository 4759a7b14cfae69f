package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/session"
)

type sessionCreateRequest struct {
	ID        string            `json:"id" binding:"required"`
	Env       map[string]string `json:"env"`
	Cwd       string            `json:"cwd"`
	Isolation bool              `json:"isolation"`
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req sessionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}

	_, err := s.sessions.CreateSession(c.Request.Context(), session.Options{
		ID:        req.ID,
		Env:       req.Env,
		Cwd:       req.Cwd,
		Isolation: req.Isolation,
	})
	if err != nil {
		respondFromError(c, "SESSION_CREATE_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      req.ID,
		"message": "session created",
	})
}

func (s *Server) handleSessionList(c *gin.Context) {
	sessions := s.sessions.ListSessions()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(sessions),
		"sessions":  sessions,
		"timestamp": time.Now().UTC(),
	})
}
