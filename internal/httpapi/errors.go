package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/gitops"
	"github.com/kandev/sandboxbroker/internal/session"
	"github.com/kandev/sandboxbroker/internal/supervisor"
	"github.com/kandev/sandboxbroker/internal/validate"
)

// errorResponse is the wire shape for every error, per the broker's error
// taxonomy: {error, code, details?}.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, code, message string, err error) {
	resp := errorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(status, resp)
}

// respondFromError maps an error returned by the session/service layer onto
// the broker's taxonomy: invalid-argument->400, not-found->404,
// timeout->504, precondition/internal->500.
func respondFromError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, validate.ErrInvalidArgument):
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, gitops.ErrOperationInProgress):
		respondError(c, http.StatusConflict, "OPERATION_IN_PROGRESS", "git operation already in progress", nil)
	case errors.Is(err, gitops.ErrInvalidBranchName), errors.Is(err, gitops.ErrInvalidURL):
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, supervisor.ErrControlProcessExited{}):
		respondError(c, http.StatusInternalServerError, "PRECONDITION_FAILED", "session control process exited", err)
	case strings.Contains(err.Error(), "not found"):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case strings.Contains(err.Error(), "timed out"):
		respondError(c, http.StatusGatewayTimeout, code+"_TIMEOUT", err.Error(), nil)
	default:
		respondError(c, http.StatusInternalServerError, code, "internal error", err)
	}
}

// resolveSession resolves the sessionId query/body field to a session,
// falling back to the implicit default session when absent. An unknown,
// explicitly named session is a 404 carrying the current session list.
func (s *Server) resolveSession(ctx context.Context, c *gin.Context, sessionID string) (*session.Session, bool) {
	if sessionID == "" {
		sess, err := s.sessions.GetOrCreateDefaultSession(ctx)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "SESSION_INIT_FAILED", "failed to initialize default session", err)
			return nil, false
		}
		return sess, true
	}

	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":    "session not found",
			"code":     "SESSION_NOT_FOUND",
			"sessions": s.sessions.ListSessions(),
		})
		return nil, false
	}
	return sess, true
}
