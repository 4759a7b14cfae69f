package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type exposePortRequest struct {
	Port int    `json:"port" binding:"required"`
	Name string `json:"name"`
}

func (s *Server) handleExposePort(c *gin.Context) {
	var req exposePortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	entry, err := s.ports.Expose(req.Port, req.Name)
	if err != nil {
		respondFromError(c, "EXPOSE_PORT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type unexposePortRequest struct {
	Port int `json:"port" binding:"required"`
}

func (s *Server) handleUnexposePort(c *gin.Context) {
	var req unexposePortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	if !s.ports.Unexpose(req.Port) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "port is not exposed", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "port": req.Port})
}

func (s *Server) handleExposedPorts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ports": s.ports.List()})
}
