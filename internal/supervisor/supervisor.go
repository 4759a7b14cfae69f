// Package supervisor implements the per-session control supervisor: a single
// persistent `bash --norc` child (optionally wrapped in `unshare --pid --fork
// --mount-proc` for PID-namespace isolation) driven over file-backed IPC so
// that command output - including binary payloads - never has to be parsed
// out of the shell's own interleaved stdout.
//
// Exec requests write the command to cmd_<id>, tell the shell to source it
// with stdout/stderr redirected to out_<id>/err_<id> and the exit code
// captured to exit_<id>, then wait for a completion marker line on the
// shell's stdout. This is the file-backed-IO design the broker's control
// supervisor component requires: a shell's own stdout/stderr cannot safely
// carry arbitrary command output past embedded newlines and accidental
// framing-marker collisions, but it is reliable for a single short marker
// line per command.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/procutil"
	"go.uber.org/zap"
)

const (
	readyTimeout = 5 * time.Second
	pollInterval = 50 * time.Millisecond
	killGrace    = 500 * time.Millisecond
)

type pendingExec struct {
	id         string
	command    string
	startedAt  time.Time
	resultCh   chan execOutcome
	processing int32
}

type execOutcome struct {
	result Result
	err    error
}

type pendingStream struct {
	id         string
	command    string
	eventsCh   chan StreamEvent
	processing int32
	outOffset  int64
	errOffset  int64
	stopPoll   chan struct{}
}

// Supervisor drives one session's persistent shell.
type Supervisor struct {
	sessionID string
	tempDir   string
	log       *logger.Logger

	cleanupInterval time.Duration
	tempFileMaxAge  time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu sync.Mutex

	mu            sync.Mutex
	pendingExecs  map[string]*pendingExec
	pendingStream map[string]*pendingStream
	readyWaiters  []readyWaiter

	exitedCh chan struct{}
	exitErr  error

	closeOnce   sync.Once
	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// New constructs a Supervisor. Call Start to spawn the underlying shell.
func New(log *logger.Logger, sessionID, tempDir string, cleanupInterval, tempFileMaxAge time.Duration) *Supervisor {
	return &Supervisor{
		sessionID:       sessionID,
		tempDir:         tempDir,
		log:             log.WithFields(zap.String("component", "supervisor"), zap.String("session_id", sessionID)),
		cleanupInterval: cleanupInterval,
		tempFileMaxAge:  tempFileMaxAge,
		pendingExecs:    make(map[string]*pendingExec),
		pendingStream:   make(map[string]*pendingStream),
		exitedCh:        make(chan struct{}),
	}
}

// Start spawns the session's shell (wrapped in unshare when isolated is
// true) and blocks until the shell is observed to be ready or readyTimeout
// elapses.
func (s *Supervisor) Start(ctx context.Context, cwd string, isolated bool, env map[string]string) error {
	var args []string
	if isolated {
		args = []string{"unshare", "--pid", "--fork", "--mount-proc", "bash", "--norc"}
	} else {
		args = []string{"bash", "--norc"}
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(env)
	procutil.SetProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("attach supervisor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach supervisor stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn supervisor shell: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin

	go s.readLoop(stdout)
	go s.waitLoop()

	// A trivial command with a dedicated marker stands in for the protocol's
	// "ready" handshake: once it echoes back, the shell is known to be
	// accepting and executing lines from stdin.
	readyMarker := "READY:init"
	if err := s.writeLine(fmt.Sprintf("echo %s", readyMarker)); err != nil {
		return fmt.Errorf("send readiness probe: %w", err)
	}

	select {
	case <-s.readyMarkerSeen(readyMarker):
	case <-s.exitedCh:
		return fmt.Errorf("supervisor shell exited before becoming ready")
	case <-time.After(readyTimeout):
		_ = s.forceKill()
		return fmt.Errorf("supervisor shell did not become ready within %s", readyTimeout)
	}

	s.sweeperStop = make(chan struct{})
	s.sweeperDone = make(chan struct{})
	go s.sweepLoop()

	return nil
}

// readyMarkerSeen installs a one-shot waiter keyed by the raw marker text;
// the read loop closes it the first time that exact line appears.
func (s *Supervisor) readyMarkerSeen(marker string) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.readyWaiters = append(s.readyWaiters, readyWaiter{marker: marker, ch: ch})
	s.mu.Unlock()
	return ch
}

type readyWaiter struct {
	marker string
	ch     chan struct{}
}

// Exec runs command to completion and returns its result. id is generated
// internally; cwd, if set, overrides the session's working directory for
// this command only.
func (s *Supervisor) Exec(ctx context.Context, req Request) (*Result, error) {
	id := uuid.New().String()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	pending := &pendingExec{id: id, command: req.Command, startedAt: time.Now(), resultCh: make(chan execOutcome, 1)}
	s.mu.Lock()
	s.pendingExecs[id] = pending
	s.mu.Unlock()
	defer s.forgetExec(id)

	if err := s.dispatch(id, req.Command, req.Cwd, "DONE"); err != nil {
		return nil, err
	}

	select {
	case outcome := <-pending.resultCh:
		return &outcome.result, outcome.err
	case <-s.exitedCh:
		if atomic.CompareAndSwapInt32(&pending.processing, 0, 1) {
			return nil, ErrControlProcessExited{}
		}
		outcome := <-pending.resultCh
		return &outcome.result, outcome.err
	case <-time.After(timeout):
		if atomic.CompareAndSwapInt32(&pending.processing, 0, 1) {
			s.cleanupTempFiles(id)
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		outcome := <-pending.resultCh
		return &outcome.result, outcome.err
	case <-ctx.Done():
		if atomic.CompareAndSwapInt32(&pending.processing, 0, 1) {
			s.cleanupTempFiles(id)
			return nil, ctx.Err()
		}
		outcome := <-pending.resultCh
		return &outcome.result, outcome.err
	}
}

// ExecStream runs command and returns a channel of stream events. The
// channel is closed after a terminal `complete` or `error` event.
func (s *Supervisor) ExecStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	id := uuid.New().String()
	stream := &pendingStream{
		id:       id,
		command:  req.Command,
		eventsCh: make(chan StreamEvent, 16),
		stopPoll: make(chan struct{}),
	}

	s.mu.Lock()
	s.pendingStream[id] = stream
	s.mu.Unlock()

	stream.eventsCh <- StreamEvent{Type: StreamStart, Command: req.Command, Timestamp: time.Now().UTC()}

	if err := s.dispatch(id, req.Command, req.Cwd, "STREAM_DONE"); err != nil {
		s.forgetStream(id)
		return nil, err
	}

	go s.pollStream(stream)

	return stream.eventsCh, nil
}

// dispatch writes cmd_<id> and sends the one-line source/redirect/marker
// instruction to the shell's stdin.
func (s *Supervisor) dispatch(id, command, cwd, markerPrefix string) error {
	scriptPath := s.path("cmd", id)
	outPath := s.path("out", id)
	errPath := s.path("err", id)
	exitPath := s.path("exit", id)

	body := command
	if cwd != "" {
		// Parenthesized subshell: the cd happens inside the subshell, so the
		// parent shell's own cwd (and thus session state) is untouched.
		body = fmt.Sprintf("( cd %s && { %s; } )", shellQuote(cwd), command)
	}
	if err := os.WriteFile(scriptPath, []byte(body+"\n"), 0o600); err != nil {
		return fmt.Errorf("write command script: %w", err)
	}

	line := fmt.Sprintf(
		"source %s > %s 2> %s; echo $? > %s; echo %s:%s",
		shellQuote(scriptPath), shellQuote(outPath), shellQuote(errPath), shellQuote(exitPath),
		markerPrefix, id,
	)
	return s.writeLine(line)
}

func (s *Supervisor) writeLine(line string) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *Supervisor) path(kind, id string) string {
	return filepath.Join(s.tempDir, fmt.Sprintf("%s_%s", kind, id))
}

// readLoop watches the shell's stdout for completion markers and the
// readiness probe.
func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.handleLine(line)
	}
}

func (s *Supervisor) handleLine(line string) {
	s.mu.Lock()
	for i, w := range s.readyWaiters {
		if w.marker == line {
			close(w.ch)
			s.readyWaiters = append(s.readyWaiters[:i], s.readyWaiters[i+1:]...)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if id, ok := strings.CutPrefix(line, "DONE:"); ok {
		s.completeExec(id)
		return
	}
	if id, ok := strings.CutPrefix(line, "STREAM_DONE:"); ok {
		s.completeStream(id)
		return
	}
	s.log.Debug("supervisor shell output", zap.String("line", line))
}

func (s *Supervisor) completeExec(id string) {
	s.mu.Lock()
	pending, ok := s.pendingExecs[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !atomic.CompareAndSwapInt32(&pending.processing, 0, 1) {
		return
	}

	result := s.readResult(id, pending.command, pending.startedAt)
	s.cleanupTempFiles(id)
	pending.resultCh <- execOutcome{result: result}
}

func (s *Supervisor) readResult(id, command string, startedAt time.Time) Result {
	stdout, _ := os.ReadFile(s.path("out", id))
	stderr, _ := os.ReadFile(s.path("err", id))
	exitCode := -1
	if raw, err := os.ReadFile(s.path("exit", id)); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			exitCode = v
		}
	}
	return Result{
		ExitCode:  exitCode,
		Stdout:    string(stdout),
		Stderr:    string(stderr),
		Success:   exitCode == 0,
		Command:   command,
		Duration:  time.Since(startedAt),
		Timestamp: time.Now().UTC(),
	}
}

func (s *Supervisor) completeStream(id string) {
	s.mu.Lock()
	stream, ok := s.pendingStream[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !atomic.CompareAndSwapInt32(&stream.processing, 0, 1) {
		return
	}
	close(stream.stopPoll)

	s.drainStream(stream)
	exitCode := -1
	if raw, err := os.ReadFile(s.path("exit", id)); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			exitCode = v
		}
	}
	stream.eventsCh <- StreamEvent{
		Type:      StreamComplete,
		Command:   stream.command,
		ExitCode:  exitCode,
		Success:   exitCode == 0,
		Timestamp: time.Now().UTC(),
	}
	close(stream.eventsCh)
	s.cleanupTempFiles(id)
	s.forgetStream(id)
}

// pollStream tails out_<id>/err_<id> at a fixed cadence, emitting stdout/
// stderr events for any new bytes since the last poll.
func (s *Supervisor) pollStream(stream *pendingStream) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.stopPoll:
			return
		case <-ticker.C:
			s.drainStream(stream)
		}
	}
}

func (s *Supervisor) drainStream(stream *pendingStream) {
	s.drainFile(s.path("out", stream.id), &stream.outOffset, func(data string) {
		stream.eventsCh <- StreamEvent{Type: StreamStdout, Command: stream.command, Data: data, Timestamp: time.Now().UTC()}
	})
	s.drainFile(s.path("err", stream.id), &stream.errOffset, func(data string) {
		stream.eventsCh <- StreamEvent{Type: StreamStderr, Command: stream.command, Data: data, Timestamp: time.Now().UTC()}
	})
}

func (s *Supervisor) drainFile(path string, offset *int64, emit func(string)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= *offset {
		return
	}

	buf := make([]byte, info.Size()-*offset)
	n, err := f.ReadAt(buf, *offset)
	if n > 0 {
		*offset += int64(n)
		emit(string(buf[:n]))
	}
	_ = err
}

func (s *Supervisor) forgetExec(id string) {
	s.mu.Lock()
	delete(s.pendingExecs, id)
	s.mu.Unlock()
}

func (s *Supervisor) forgetStream(id string) {
	s.mu.Lock()
	delete(s.pendingStream, id)
	s.mu.Unlock()
}

func (s *Supervisor) cleanupTempFiles(id string) {
	for _, kind := range []string{"cmd", "out", "err", "exit"} {
		_ = os.Remove(s.path(kind, id))
	}
}

// waitLoop observes the shell's exit and fails every in-flight request.
func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	s.exitErr = err
	close(s.exitedCh)

	s.mu.Lock()
	execs := make([]*pendingExec, 0, len(s.pendingExecs))
	for _, p := range s.pendingExecs {
		execs = append(execs, p)
	}
	streams := make([]*pendingStream, 0, len(s.pendingStream))
	for _, st := range s.pendingStream {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, p := range execs {
		if atomic.CompareAndSwapInt32(&p.processing, 0, 1) {
			s.cleanupTempFiles(p.id)
			p.resultCh <- execOutcome{err: ErrControlProcessExited{}}
		}
	}
	for _, st := range streams {
		if atomic.CompareAndSwapInt32(&st.processing, 0, 1) {
			close(st.stopPoll)
			s.cleanupTempFiles(st.id)
			st.eventsCh <- StreamEvent{Type: StreamError, Command: st.command, Error: ErrControlProcessExited{}.Error(), Timestamp: time.Now().UTC()}
			close(st.eventsCh)
		}
	}

	if err != nil {
		s.log.Warn("supervisor shell exited", zap.Error(err))
	} else {
		s.log.Debug("supervisor shell exited cleanly")
	}
}

// Exited reports whether the supervised shell has exited.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exitedCh
}

// Close sends an exit request and force-kills the shell's process group if
// it has not exited within the grace window.
func (s *Supervisor) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.sweeperStop != nil {
			close(s.sweeperStop)
			<-s.sweeperDone
		}
		_ = s.writeLine("exit")
		select {
		case <-s.exitedCh:
		case <-time.After(killGrace):
			closeErr = s.forceKill()
		}
	})
	return closeErr
}

func (s *Supervisor) forceKill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	return procutil.KillProcessGroup(s.cmd.Process.Pid)
}

// sweepLoop periodically removes temp files whose id is not active and that
// are older than tempFileMaxAge.
func (s *Supervisor) sweepLoop() {
	defer close(s.sweeperDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweeperStop:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Supervisor) sweepOnce() {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return
	}

	s.mu.Lock()
	active := make(map[string]struct{}, len(s.pendingExecs)+len(s.pendingStream))
	for id := range s.pendingExecs {
		active[id] = struct{}{}
	}
	for id := range s.pendingStream {
		active[id] = struct{}{}
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-s.tempFileMaxAge)
	for _, entry := range entries {
		name := entry.Name()
		id := tempFileID(name)
		if id == "" {
			continue
		}
		if _, isActive := active[id]; isActive {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(s.tempDir, name))
	}
}

func tempFileID(name string) string {
	for _, prefix := range []string{"cmd_", "out_", "err_", "exit_"} {
		if id, ok := strings.CutPrefix(name, prefix); ok {
			return id
		}
	}
	return ""
}

func mergeEnv(overlay map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(overlay))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
