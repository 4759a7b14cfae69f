package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
	"github.com/kandev/sandboxbroker/internal/procmgr"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

// newReadySession builds a session against a real temp directory. Isolation
// is never available in the test environment (no unshare), so a session that
// requests it exercises the direct-mode fallback path; one that does not
// runs its commands through a supervisor shell.
func newReadySession(t *testing.T, isolation bool) *Session {
	t.Helper()
	dir := t.TempDir()
	sess := New(newTestLogger(t), Options{ID: "test", Cwd: dir, Isolation: isolation}, 1024*1024, t.TempDir(), time.Hour, time.Hour)
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sess.Destroy(context.Background())
	})
	return sess
}

func TestSession_InitializeFallsBackToDirect(t *testing.T) {
	sess := newReadySession(t, true)
	info := sess.Info()
	if info.State != StateReady {
		t.Fatalf("State = %v, want %v", info.State, StateReady)
	}
	if info.IsolationEffective {
		t.Error("expected IsolationEffective to be false without unshare available")
	}
}

func TestSession_ExecRunsInDirectMode(t *testing.T) {
	sess := newReadySession(t, true)

	result, err := sess.Exec(context.Background(), "echo hello", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !result.Success || result.Stdout != "hello\n" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSession_ExecRejectsUnreadySession(t *testing.T) {
	sess := New(newTestLogger(t), Options{ID: "not-ready", Cwd: t.TempDir()}, 1024*1024, t.TempDir(), time.Hour, time.Hour)

	if _, err := sess.Exec(context.Background(), "echo hi", ExecOptions{}); err == nil {
		t.Error("expected Exec() on an uninitialized session to fail")
	}
}

func TestSession_ExecStreamRunsInDirectMode(t *testing.T) {
	sess := newReadySession(t, true)

	events, err := sess.ExecStream(context.Background(), "echo streamed", ExecOptions{})
	if err != nil {
		t.Fatalf("ExecStream() error = %v", err)
	}

	var stdout string
	completed := false
	for ev := range events {
		switch ev.Type {
		case "stdout":
			stdout += ev.Data
		case "complete":
			completed = true
		}
	}
	if !completed {
		t.Error("expected a complete event")
	}
	if stdout != "streamed\n" {
		t.Errorf("stdout = %q, want %q", stdout, "streamed\n")
	}
}

func TestSession_WriteFileRejectsPathEscape(t *testing.T) {
	sess := newReadySession(t, false)

	if _, err := sess.WriteFile(context.Background(), "../../etc/passwd", []byte("x")); err == nil {
		t.Error("expected WriteFile() to reject a path that escapes the session cwd")
	}
}

func TestSession_ReadFileStaysWithinCwd(t *testing.T) {
	sess := newReadySession(t, false)

	if _, err := sess.WriteFile(context.Background(), "inside.txt", []byte("hi")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	result, err := sess.ReadFile(context.Background(), "inside.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if result.Stdout != "hi" {
		t.Errorf("ReadFile() stdout = %q, want %q", result.Stdout, "hi")
	}

	if _, err := sess.ReadFile(context.Background(), "/etc/shadow"); err == nil {
		t.Error("expected ReadFile() to reject an absolute path outside the session cwd")
	}
}

func TestSession_ExecPreservesCwdAcrossDirectModeCalls(t *testing.T) {
	sess := newReadySession(t, true)

	sub := filepath.Join(sess.cwd, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	if _, err := sess.Exec(context.Background(), "cd sub", ExecOptions{}); err != nil {
		t.Fatalf("Exec(cd) error = %v", err)
	}

	result, err := sess.Exec(context.Background(), "pwd", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec(pwd) error = %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != sub {
		t.Errorf("pwd after cd = %q, want %q", got, sub)
	}
}

func TestSession_ExecPreservesExportedEnvAcrossDirectModeCalls(t *testing.T) {
	sess := newReadySession(t, true)

	if _, err := sess.Exec(context.Background(), "export SANDBOX_TEST_VAR=hello", ExecOptions{}); err != nil {
		t.Fatalf("Exec(export) error = %v", err)
	}

	result, err := sess.Exec(context.Background(), "echo \"$SANDBOX_TEST_VAR\"", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec(echo) error = %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("exported var after export = %q, want %q", got, "hello")
	}
}

func TestSession_ExecCwdOverrideDoesNotLeakIntoSessionState(t *testing.T) {
	sess := newReadySession(t, false)

	sub := filepath.Join(sess.cwd, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	if _, err := sess.Exec(context.Background(), "pwd", ExecOptions{Cwd: sub}); err != nil {
		t.Fatalf("Exec(pwd, Cwd override) error = %v", err)
	}

	result, err := sess.Exec(context.Background(), "pwd", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec(pwd) error = %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != sess.cwd {
		t.Errorf("pwd after one-shot Cwd override = %q, want unchanged %q", got, sess.cwd)
	}
}

func TestSession_GitFollowsSessionCwdAfterCd(t *testing.T) {
	sess := newReadySession(t, false)
	ctx := context.Background()

	repo := filepath.Join(sess.cwd, "repo")
	if _, err := sess.Exec(ctx, "git init -b main "+repo, ExecOptions{}); err != nil {
		t.Fatalf("git init error = %v", err)
	}
	if _, err := sess.Exec(ctx, "cd "+repo, ExecOptions{}); err != nil {
		t.Fatalf("Exec(cd) error = %v", err)
	}

	git, err := sess.Git(ctx)
	if err != nil {
		t.Fatalf("Git() error = %v", err)
	}
	if got := git.Dir(); got != repo {
		t.Errorf("git operator workdir = %q, want %q (session's live cwd)", got, repo)
	}
}

func TestSession_StartProcessInheritsSessionCwd(t *testing.T) {
	sess := newReadySession(t, false)

	info, err := sess.StartProcess(context.Background(), procmgr.StartRequest{Command: "pwd"})
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	if info.WorkingDir != sess.cwd {
		t.Errorf("StartProcess() WorkingDir = %q, want session cwd %q", info.WorkingDir, sess.cwd)
	}
	if info.SessionID != sess.id {
		t.Errorf("StartProcess() SessionID = %q, want %q", info.SessionID, sess.id)
	}
}

func TestSession_DestroyKillsOwnedProcesses(t *testing.T) {
	sess := newReadySession(t, false)

	req := procmgr.StartRequest{SessionID: sess.id, Command: "sleep 5"}
	if _, err := sess.Processes().Start(context.Background(), req); err != nil {
		t.Fatalf("Processes().Start() error = %v", err)
	}

	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if sess.Info().State != StateTerminated {
		t.Errorf("State after Destroy() = %v, want %v", sess.Info().State, StateTerminated)
	}
}
