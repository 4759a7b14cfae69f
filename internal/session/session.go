// Package session implements the broker's Session and SessionManager
// components: a facade over one control supervisor plus a per-session
// ProcessManager, and the manager that owns the set of named sessions
// (including the implicit "default" session).
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/gitops"
	"github.com/kandev/sandboxbroker/internal/isolation"
	"github.com/kandev/sandboxbroker/internal/procmgr"
	"github.com/kandev/sandboxbroker/internal/supervisor"
	"go.uber.org/zap"
)

// State is a session's readiness state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateTerminated    State = "terminated"
)

// Options configure a new session.
type Options struct {
	ID        string
	Cwd       string
	Env       map[string]string
	Isolation bool
}

// ExecOptions configure a single exec call.
type ExecOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID                 string    `json:"id"`
	Cwd                string    `json:"cwd"`
	IsolationRequested bool      `json:"isolationRequested"`
	IsolationEffective bool      `json:"isolationEffective"`
	State              State     `json:"state"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Session wraps one control supervisor plus a ProcessManager. When isolation
// is requested but unavailable, or the supervisor fails to start, it falls
// back to direct mode: each Exec spawns a one-shot shell directly.
type Session struct {
	id                 string
	cwd                string
	env                map[string]string
	isolationRequested bool
	isolationEffective bool
	createdAt          time.Time

	log  *logger.Logger
	proc *procmgr.ProcessRunner
	git  *gitops.Operator

	mu        sync.RWMutex
	state     State
	sup       *supervisor.Supervisor
	direct    bool
	tempDir   string
	cleanupMs time.Duration
	maxAgeMs  time.Duration

	// directMu serializes direct-mode execs so the cd/export state they
	// accumulate (directCwd/directEnv) below can't be read and written by two
	// calls at once; it stands in for the single persistent shell a real
	// supervisor would serialize through.
	directMu  sync.Mutex
	directCwd string
	directEnv map[string]string
}

// New constructs an uninitialized session. Call Initialize to make it ready.
func New(log *logger.Logger, opts Options, procBufferMaxBytes int64, tempDir string, cleanupInterval, tempFileMaxAge time.Duration) *Session {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = "/workspace"
	}
	sessionLog := log.WithFields(zap.String("session_id", opts.ID))
	directEnv := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		directEnv[k] = v
	}
	return &Session{
		id:                 opts.ID,
		cwd:                cwd,
		env:                opts.Env,
		isolationRequested: opts.Isolation,
		createdAt:          time.Now().UTC(),
		log:                sessionLog,
		proc:               procmgr.NewProcessRunner(sessionLog, procBufferMaxBytes),
		git:                gitops.NewOperator(cwd, sessionLog),
		state:              StateUninitialized,
		tempDir:            tempDir,
		cleanupMs:          cleanupInterval,
		maxAgeMs:           tempFileMaxAge,
		directCwd:          cwd,
		directEnv:          directEnv,
	}
}

// Initialize spawns the control supervisor (or marks the session for direct
// mode) and flips it to ready. A 5s timeout governs supervisor startup;
// failure destroys the half-built session.
func (s *Session) Initialize(ctx context.Context) error {
	s.isolationEffective = s.isolationRequested && isolation.Available()
	if s.isolationRequested && !s.isolationEffective {
		s.log.Warn("isolation requested but unavailable, falling back to direct execution")
		s.mu.Lock()
		s.direct = true
		s.state = StateReady
		s.mu.Unlock()
		return nil
	}

	sup := supervisor.New(s.log, s.id, s.tempDir, s.cleanupMs, s.maxAgeMs)
	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sup.Start(startCtx, s.cwd, s.isolationEffective, s.env); err != nil {
		s.log.Warn("supervisor failed to start, falling back to direct mode", zap.Error(err))
		s.mu.Lock()
		s.direct = true
		s.state = StateReady
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.sup = sup
	s.state = StateReady
	s.mu.Unlock()

	go s.watchSupervisor(sup)
	return nil
}

// watchSupervisor transitions the session to terminated if its supervisor
// exits unexpectedly, satisfying the contract that a dead control process
// terminates the owning session.
func (s *Session) watchSupervisor(sup *supervisor.Supervisor) {
	<-sup.Exited()
	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = StateTerminated
	}
	s.mu.Unlock()
}

// Exec runs command to completion through the session's shell (or a direct
// one-shot shell in direct mode), preserving working directory and
// environment state across calls.
func (s *Session) Exec(ctx context.Context, command string, opts ExecOptions) (*supervisor.Result, error) {
	s.mu.RLock()
	state, direct, sup := s.state, s.direct, s.sup
	s.mu.RUnlock()

	if state != StateReady {
		return nil, fmt.Errorf("session %s is not ready (state=%s)", s.id, state)
	}

	if direct {
		return s.execDirect(ctx, command, opts)
	}
	return sup.Exec(ctx, supervisor.Request{Command: command, Cwd: opts.Cwd, Timeout: opts.Timeout})
}

// ExecStream runs command and returns a channel of stream events.
func (s *Session) ExecStream(ctx context.Context, command string, opts ExecOptions) (<-chan supervisor.StreamEvent, error) {
	s.mu.RLock()
	state, direct, sup := s.state, s.direct, s.sup
	s.mu.RUnlock()

	if state != StateReady {
		return nil, fmt.Errorf("session %s is not ready (state=%s)", s.id, state)
	}

	if direct {
		return s.execStreamDirect(command, opts), nil
	}
	return sup.ExecStream(ctx, supervisor.Request{Command: command, Cwd: opts.Cwd})
}

// Processes returns the session's ProcessManager.
func (s *Session) Processes() *procmgr.ProcessRunner {
	return s.proc
}

// StartProcess launches a background job through the session the same way
// Exec runs a foreground command: it inherits the session's live cwd, its
// env overlay, and its isolation mode, rather than starting from a bare
// process with only the caller-supplied fields. Per-call overrides in req
// (an explicit WorkingDir or Env) still win over the session defaults.
func (s *Session) StartProcess(ctx context.Context, req procmgr.StartRequest) (*procmgr.Info, error) {
	cwd, err := s.currentCwd(ctx)
	if err != nil {
		return nil, err
	}
	if req.WorkingDir == "" {
		req.WorkingDir = cwd
	}
	req.SessionID = s.id
	req.Env = mergeEnvMaps(s.sessionEnv(), req.Env)

	s.mu.RLock()
	req.Isolated = s.isolationEffective
	s.mu.RUnlock()

	return s.proc.Start(ctx, req)
}

// sessionEnv returns a copy of the session's current environment overlay:
// the tracked direct-mode env when running without a supervisor, or the
// env the session was created with otherwise (the supervisor's persistent
// shell tracks its own exports internally).
func (s *Session) sessionEnv() map[string]string {
	s.mu.RLock()
	direct := s.direct
	s.mu.RUnlock()

	if !direct {
		return s.env
	}

	s.directMu.Lock()
	defer s.directMu.Unlock()
	out := make(map[string]string, len(s.directEnv))
	for k, v := range s.directEnv {
		out[k] = v
	}
	return out
}

// mergeEnvMaps merges overlay onto base, overlay winning on key conflicts.
func mergeEnvMaps(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Git resolves the session's live working directory - wherever its shell has
// actually cd'd to - and points the git operator at it, so git operations
// follow session state the same way Exec does instead of the directory
// frozen at session creation.
func (s *Session) Git(ctx context.Context) (*gitops.Operator, error) {
	cwd, err := s.currentCwd(ctx)
	if err != nil {
		return nil, err
	}
	s.git.SetWorkDir(cwd)
	return s.git, nil
}

// currentCwd resolves the session's actual current working directory: the
// live supervisor shell's cwd when isolated, or the tracked direct-mode cwd
// otherwise.
func (s *Session) currentCwd(ctx context.Context) (string, error) {
	s.mu.RLock()
	state, direct, sup := s.state, s.direct, s.sup
	s.mu.RUnlock()

	if state != StateReady {
		return "", fmt.Errorf("session %s is not ready (state=%s)", s.id, state)
	}
	if direct {
		s.directMu.Lock()
		defer s.directMu.Unlock()
		return s.directCwd, nil
	}

	result, err := sup.Exec(ctx, supervisor.Request{Command: "pwd"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Info returns a read-only snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                 s.id,
		Cwd:                s.cwd,
		IsolationRequested: s.isolationRequested,
		IsolationEffective: s.isolationEffective,
		State:              s.state,
		CreatedAt:          s.createdAt,
	}
}

// Destroy terminates the supervisor (sending exit, then force-killing after
// a grace window) and kills every background process the session owns.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.state = StateTerminated
	s.mu.Unlock()

	if _, err := s.proc.KillAll(ctx, s.id); err != nil {
		s.log.Warn("error killing session processes on destroy", zap.Error(err))
	}

	if sup != nil {
		return sup.Close()
	}
	return nil
}
