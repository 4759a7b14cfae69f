// Command broker is the in-container execution broker: an HTTP surface over
// one or more shell sessions, each backed by a persistent control process,
// plus background-process management, git operations, file operations, and
// a reverse proxy for ports exposed inside the container.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/config"
	"github.com/kandev/sandboxbroker/internal/httpapi"
	"github.com/kandev/sandboxbroker/internal/portsproxy"
	"github.com/kandev/sandboxbroker/internal/session"
	"github.com/kandev/sandboxbroker/internal/tracing"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting sandboxbroker",
		zap.Int("port", cfg.Port),
		zap.String("temp_dir", cfg.TempDir),
		zap.Duration("command_timeout", cfg.CommandTimeout),
	)

	tracing.Tracer("sandboxbroker")

	sessions := session.NewManager(log, cfg.ProcBufferMaxBytes, cfg.TempDir, cfg.CleanupInterval, cfg.TempFileMaxAge)
	ports := portsproxy.NewRegistry(log)

	server := httpapi.NewServer(log, sessions, ports, fmt.Sprintf(":%d", cfg.Port))

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sandboxbroker")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sessions.DestroyAll(ctx); err != nil {
		log.Error("error destroying sessions", zap.Error(err))
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("sandboxbroker stopped")
}
