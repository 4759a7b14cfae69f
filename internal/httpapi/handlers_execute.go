package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/session"
)

type executeRequest struct {
	ID      string `json:"id"`
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}

	sess, ok := s.resolveSession(c.Request.Context(), c, req.ID)
	if !ok {
		return
	}

	result, err := sess.Exec(c.Request.Context(), req.Command, session.ExecOptions{})
	if err != nil {
		respondFromError(c, "EXEC_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"command":   result.Command,
		"exitCode":  result.ExitCode,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"success":   result.Success,
		"timestamp": result.Timestamp,
	})
}

func (s *Server) handleExecuteStream(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}

	sess, ok := s.resolveSession(c.Request.Context(), c, req.ID)
	if !ok {
		return
	}

	events, err := sess.ExecStream(c.Request.Context(), req.Command, session.ExecOptions{})
	if err != nil {
		respondFromError(c, "EXEC_STREAM_FAILED", err)
		return
	}

	streamSSE(c, func(send func(any)) {
		for event := range events {
			send(gin.H{
				"type":      event.Type,
				"timestamp": event.Timestamp,
				"command":   event.Command,
				"data":      event.Data,
				"exitCode":  event.ExitCode,
				"error":     event.Error,
			})
		}
	})
}

// streamSSE writes the standard SSE preamble, then drains produce until it
// returns (the underlying sequence ends) or the client disconnects.
func streamSSE(c *gin.Context, produce func(send func(any))) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, canFlush := c.Writer.(http.Flusher)
	done := c.Request.Context().Done()
	closed := false

	send := func(payload any) {
		if closed {
			return
		}
		select {
		case <-done:
			closed = true
			return
		default:
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		if canFlush {
			flusher.Flush()
		}
	}

	produce(send)
}
