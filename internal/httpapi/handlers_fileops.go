package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/validate"
)

type mkdirRequest struct {
	Path      string `json:"path" binding:"required"`
	Recursive bool   `json:"recursive"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleMkdir(c *gin.Context) {
	var req mkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.Mkdir(c.Request.Context(), req.Path, req.Recursive)
	if err != nil {
		respondFromError(c, "MKDIR_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   result.Success,
		"exitCode":  result.ExitCode,
		"path":      req.Path,
		"recursive": req.Recursive,
	})
}

type writeRequest struct {
	Path      string `json:"path" binding:"required"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleWrite(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}

	content := []byte(req.Content)
	if req.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid base64 content", err)
			return
		}
		content = decoded
	}
	if err := validate.ContentSize(content); err != nil {
		respondError(c, http.StatusBadRequest, "CONTENT_TOO_LARGE", err.Error(), nil)
		return
	}

	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.WriteFile(c.Request.Context(), req.Path, content)
	if err != nil {
		respondFromError(c, "FILE_WRITE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"path":     req.Path,
	})
}

type readRequest struct {
	Path      string `json:"path" binding:"required"`
	Encoding  string `json:"encoding"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.ReadFile(c.Request.Context(), req.Path)
	if err != nil {
		respondFromError(c, "FILE_READ_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"content":  result.Stdout,
		"path":     req.Path,
	})
}

type pathOnlyRequest struct {
	Path      string `json:"path" binding:"required"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req pathOnlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.DeleteFile(c.Request.Context(), req.Path)
	if err != nil {
		respondFromError(c, "FILE_DELETE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"path":     req.Path,
	})
}

type renameRequest struct {
	OldPath   string `json:"oldPath" binding:"required"`
	NewPath   string `json:"newPath" binding:"required"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.Rename(c.Request.Context(), req.OldPath, req.NewPath)
	if err != nil {
		respondFromError(c, "FILE_RENAME_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"oldPath":  req.OldPath,
		"newPath":  req.NewPath,
	})
}

type moveRequest struct {
	SourcePath      string `json:"sourcePath" binding:"required"`
	DestinationPath string `json:"destinationPath" binding:"required"`
	SessionID       string `json:"sessionId"`
}

func (s *Server) handleMove(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	result, err := sess.Move(c.Request.Context(), req.SourcePath, req.DestinationPath)
	if err != nil {
		respondFromError(c, "FILE_MOVE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         result.Success,
		"exitCode":        result.ExitCode,
		"sourcePath":      req.SourcePath,
		"destinationPath": req.DestinationPath,
	})
}

type listFilesRequest struct {
	Path          string `json:"path" binding:"required"`
	Recursive     bool   `json:"recursive"`
	IncludeHidden bool   `json:"includeHidden"`
	SessionID     string `json:"sessionId"`
}

func (s *Server) handleListFiles(c *gin.Context) {
	var req listFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	entries, result, err := sess.ListFiles(c.Request.Context(), req.Path, req.Recursive, req.IncludeHidden)
	if err != nil {
		respondFromError(c, "LIST_FILES_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  result.Success,
		"exitCode": result.ExitCode,
		"files":    entries,
		"path":     req.Path,
	})
}
