// Package httpapi implements the broker's HTTP surface: request validation,
// session dispatch, SSE framing, and the error taxonomy described by the
// broker's HTTP broker component.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/common/httpmw"
	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/portsproxy"
	"github.com/kandev/sandboxbroker/internal/session"
	"go.uber.org/zap"
)

// Server wraps the gin engine exposing the broker's routes.
type Server struct {
	log      *logger.Logger
	sessions *session.Manager
	ports    *portsproxy.Registry
	router   *gin.Engine
	httpSrv  *http.Server
}

// NewServer builds the broker's route tree.
func NewServer(log *logger.Logger, sessions *session.Manager, ports *portsproxy.Registry, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors())
	router.Use(httpmw.RequestLogger(log, "sandboxbroker"))
	router.Use(httpmw.OtelTracing("sandboxbroker"))

	s := &Server{
		log:      log.WithFields(zap.String("component", "httpapi")),
		sessions: sessions,
		ports:    ports,
		router:   router,
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints (SSE, proxy) must not be cut off
	}
	return s
}

// cors applies the permissive CORS policy the spec requires: every handler
// emits Access-Control-Allow-* headers, and OPTIONS short-circuits with 200.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/ping", s.handlePing)

	s.router.POST("/api/session/create", s.handleSessionCreate)
	s.router.GET("/api/session/list", s.handleSessionList)

	s.router.POST("/api/execute", s.handleExecute)
	s.router.POST("/api/execute/stream", s.handleExecuteStream)

	s.router.POST("/api/git/checkout", s.handleGitCheckout)
	s.router.POST("/api/git/pull", s.handleGitPull)
	s.router.POST("/api/git/push", s.handleGitPush)
	s.router.POST("/api/git/rebase", s.handleGitRebase)
	s.router.POST("/api/git/merge", s.handleGitMerge)
	s.router.POST("/api/git/abort", s.handleGitAbort)
	s.router.POST("/api/git/commit", s.handleGitCommit)
	s.router.POST("/api/git/stage", s.handleGitStage)
	s.router.POST("/api/git/unstage", s.handleGitUnstage)
	s.router.POST("/api/git/create-pr", s.handleGitCreatePR)
	s.router.GET("/api/git/commit/:sha", s.handleGitShowCommit)
	s.router.GET("/api/git/current-branch", s.handleGitCurrentBranch)
	s.router.GET("/api/git/branches", s.handleGitListBranches)

	s.router.POST("/api/mkdir", s.handleMkdir)
	s.router.POST("/api/write", s.handleWrite)
	s.router.POST("/api/read", s.handleRead)
	s.router.POST("/api/delete", s.handleDelete)
	s.router.POST("/api/rename", s.handleRename)
	s.router.POST("/api/move", s.handleMove)
	s.router.POST("/api/list-files", s.handleListFiles)

	s.router.POST("/api/expose-port", s.handleExposePort)
	s.router.DELETE("/api/unexpose-port", s.handleUnexposePort)
	s.router.GET("/api/exposed-ports", s.handleExposedPorts)

	s.router.POST("/api/process/start", s.handleProcessStart)
	s.router.GET("/api/process/list", s.handleProcessList)
	s.router.DELETE("/api/process/kill-all", s.handleProcessKillAll)
	s.router.GET("/api/process/:id", s.handleProcessGet)
	s.router.DELETE("/api/process/:id", s.handleProcessKill)
	s.router.GET("/api/process/:id/logs", s.handleProcessLogs)
	s.router.GET("/api/process/:id/stream", s.handleProcessStream)

	s.router.Any("/proxy/:port/*rest", func(c *gin.Context) {
		s.ports.ServeProxy(c.Writer, c.Request, c.Param("port"), c.Param("rest"))
	})
}

// Run starts the HTTP server; it blocks until the server stops.
func (s *Server) Run() error {
	s.log.Info("broker listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// jupyterReadyPath is the filesystem passthrough the ping handler checks,
// since the Jupyter collaborator itself is out of scope.
const jupyterReadyPath = "/tmp/jupyter-ready"

func jupyterStatus() string {
	if _, err := os.Stat(jupyterReadyPath); err == nil {
		return "ready"
	}
	return "not ready"
}
