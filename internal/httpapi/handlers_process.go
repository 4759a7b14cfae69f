package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/procmgr"
	"github.com/kandev/sandboxbroker/internal/session"
)

type processStartRequest struct {
	ProcessID  string            `json:"processId"`
	Command    string            `json:"command" binding:"required"`
	WorkingDir string            `json:"workingDir"`
	Env        map[string]string `json:"env"`
	TimeoutMs  int64             `json:"timeoutMs"`
	SessionID  string            `json:"sessionId"`
}

func (s *Server) handleProcessStart(c *gin.Context) {
	var req processStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}

	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}

	start := procmgr.StartRequest{
		ProcessID:  req.ProcessID,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	}
	if req.TimeoutMs > 0 {
		start.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := sess.StartProcess(c.Request.Context(), start)
	if err != nil {
		respondFromError(c, "PROCESS_START_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"process": result})
}

func (s *Server) handleProcessList(c *gin.Context) {
	sessionID := c.Query("session")
	sess, ok := s.resolveSession(c.Request.Context(), c, sessionID)
	if !ok {
		return
	}
	processes := sess.Processes().List(sess.Info().ID)
	c.JSON(http.StatusOK, gin.H{
		"count":     len(processes),
		"processes": processes,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleProcessGet(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	info, found := sess.Processes().Get(id, true)
	if !found {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "process not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"process": info, "timestamp": time.Now().UTC()})
}

func (s *Server) handleProcessKill(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	if err := sess.Processes().Kill(c.Request.Context(), id); err != nil {
		respondFromError(c, "PROCESS_KILL_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processId": id,
		"message":   fmt.Sprintf("process %s killed", id),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleProcessKillAll(c *gin.Context) {
	sessionID := c.Query("session")
	var targets []*session.Session
	if sessionID == "" {
		for _, info := range s.sessions.ListSessions() {
			if sess, ok := s.sessions.GetSession(info.ID); ok {
				targets = append(targets, sess)
			}
		}
	} else {
		sess, ok := s.resolveSession(c.Request.Context(), c, sessionID)
		if !ok {
			return
		}
		targets = append(targets, sess)
	}
	killed := 0
	for _, sess := range targets {
		n, err := sess.Processes().KillAll(c.Request.Context(), sess.Info().ID)
		killed += n
		if err != nil {
			respondFromError(c, "PROCESS_KILL_ALL_FAILED", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"killedCount": killed,
		"message":     fmt.Sprintf("killed %d process(es)", killed),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleProcessLogs(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	info, found := sess.Processes().Get(id, true)
	if !found {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "process not found", nil)
		return
	}
	var stdout, stderr strings.Builder
	for _, chunk := range info.Output {
		if chunk.Stream == "stderr" {
			stderr.WriteString(chunk.Data)
		} else {
			stdout.WriteString(chunk.Data)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":      gin.H{"stdout": stdout.String(), "stderr": stderr.String()},
		"processId": id,
		"status":    info.Status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleProcessStream(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}

	sessionName := sess.Info().ID
	events := make(chan gin.H, 64)
	detach, found := sess.Processes().Subscribe(id,
		func(chunk procmgr.OutputChunk) {
			events <- gin.H{
				"type":        chunk.Stream,
				"data":        chunk.Data,
				"processId":   id,
				"sessionName": sessionName,
				"timestamp":   chunk.Timestamp,
			}
		},
		func(event procmgr.StatusEvent) {
			events <- gin.H{
				"type":        "status",
				"status":      event.Status,
				"exitCode":    event.ExitCode,
				"processId":   id,
				"sessionName": sessionName,
				"timestamp":   event.Timestamp,
			}
		},
	)
	if !found {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "process not found", nil)
		return
	}
	defer detach()

	streamSSE(c, func(send func(any)) {
		done := c.Request.Context().Done()
		for {
			select {
			case <-done:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				send(event)
				if event["type"] == "status" {
					if status, ok := event["status"].(procmgr.Status); ok && status.Terminal() {
						return
					}
				}
			}
		}
	})
}
