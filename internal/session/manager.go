package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/supervisor"
	"github.com/kandev/sandboxbroker/internal/validate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSessionID = "default"

// Manager owns the set of named sessions, including the implicit default
// session, and fans destruction out across them on shutdown.
type Manager struct {
	log *logger.Logger

	procBufferMaxBytes int64
	tempDir            string
	cleanupInterval    time.Duration
	tempFileMaxAge     time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a SessionManager. The buffer/temp-dir/sweeper
// parameters are forwarded to every session it creates.
func NewManager(log *logger.Logger, procBufferMaxBytes int64, tempDir string, cleanupInterval, tempFileMaxAge time.Duration) *Manager {
	return &Manager{
		log:                log.WithFields(zap.String("component", "session-manager")),
		procBufferMaxBytes: procBufferMaxBytes,
		tempDir:            tempDir,
		cleanupInterval:    cleanupInterval,
		tempFileMaxAge:     tempFileMaxAge,
		sessions:           make(map[string]*Session),
	}
}

// CreateSession creates (or replaces) a named session. If a session with the
// same id already exists, it is destroyed first; pending work on the old
// session is rejected.
func (m *Manager) CreateSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Cwd != "" {
		if err := validate.AbsolutePath(opts.Cwd); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if existing, ok := m.sessions[opts.ID]; ok {
		delete(m.sessions, opts.ID)
		m.mu.Unlock()
		if err := existing.Destroy(ctx); err != nil {
			m.log.Warn("error destroying replaced session", zap.String("session_id", opts.ID), zap.Error(err))
		}
		m.mu.Lock()
	}

	sess := New(m.log, opts, m.procBufferMaxBytes, m.tempDir, m.cleanupInterval, m.tempFileMaxAge)
	m.sessions[opts.ID] = sess
	m.mu.Unlock()

	if err := sess.Initialize(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, opts.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("initialize session %s: %w", opts.ID, err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// ListSessions returns every session's Info snapshot.
func (m *Manager) ListSessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Info())
	}
	return out
}

// GetOrCreateDefaultSession returns the "default" session, created lazily on
// first use with cwd=/workspace and isolation requested.
func (m *Manager) GetOrCreateDefaultSession(ctx context.Context) (*Session, error) {
	if sess, ok := m.GetSession(defaultSessionID); ok {
		return sess, nil
	}
	return m.CreateSession(ctx, Options{ID: defaultSessionID, Cwd: "/workspace", Isolation: true})
}

// Exec is a convenience wrapper over the default session. It returns the
// command result alongside the id of the session it ran in (useful when the
// default session was created implicitly by this call).
func (m *Manager) Exec(ctx context.Context, command string, opts ExecOptions) (*supervisor.Result, string, error) {
	sess, err := m.GetOrCreateDefaultSession(ctx)
	if err != nil {
		return nil, "", err
	}
	result, err := sess.Exec(ctx, command, opts)
	if err != nil {
		return nil, sess.id, err
	}
	return result, sess.id, nil
}

// DestroyAll destroys every session concurrently, bounded by an errgroup, so
// shutdown latency is governed by the slowest session rather than the sum.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id := range m.sessions {
		sessions = append(sessions, m.sessions[id])
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			return sess.Destroy(gctx)
		})
	}
	return g.Wait()
}

// DestroySession destroys and removes one named session.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return sess.Destroy(ctx)
}
