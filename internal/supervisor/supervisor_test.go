package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/sandboxbroker/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sup := New(newTestLogger(t), "test-session", t.TempDir(), time.Hour, time.Hour)
	if err := sup.Start(context.Background(), t.TempDir(), false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestSupervisor_ExecReturnsResult(t *testing.T) {
	sup := newTestSupervisor(t)

	result, err := sup.Exec(context.Background(), Request{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestSupervisor_ExecFailingCommand(t *testing.T) {
	sup := newTestSupervisor(t)

	result, err := sup.Exec(context.Background(), Request{Command: "exit 3"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.Success || result.ExitCode != 3 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSupervisor_ExecPreservesShellState(t *testing.T) {
	sup := newTestSupervisor(t)

	if _, err := sup.Exec(context.Background(), Request{Command: "export GREETING=hi"}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	result, err := sup.Exec(context.Background(), Request{Command: "echo $GREETING"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want exported var to survive across Exec calls", result.Stdout)
	}
}

func TestSupervisor_ExecCwdOverrideDoesNotLeak(t *testing.T) {
	sup := newTestSupervisor(t)
	otherDir := t.TempDir()

	result, err := sup.Exec(context.Background(), Request{Command: "pwd", Cwd: otherDir})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.Stdout == "" {
		t.Fatal("expected pwd output")
	}

	// The one-shot cwd override must not persist into the next command.
	second, err := sup.Exec(context.Background(), Request{Command: "pwd"})
	if err != nil {
		t.Fatalf("second Exec() error = %v", err)
	}
	if second.Stdout == result.Stdout {
		t.Errorf("expected cwd override to be scoped to a single command, got same pwd %q twice", second.Stdout)
	}
}

func TestSupervisor_ExecTimeout(t *testing.T) {
	sup := newTestSupervisor(t)

	_, err := sup.Exec(context.Background(), Request{Command: "sleep 5", Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Error("expected Exec() to time out")
	}
}

func TestSupervisor_ExecStreamDeliversOutputAndCompletes(t *testing.T) {
	sup := newTestSupervisor(t)

	events, err := sup.ExecStream(context.Background(), Request{Command: "echo one; echo two"})
	if err != nil {
		t.Fatalf("ExecStream() error = %v", err)
	}

	var stdout string
	sawStart, sawComplete := false, false
	for ev := range events {
		switch ev.Type {
		case StreamStart:
			sawStart = true
		case StreamStdout:
			stdout += ev.Data
		case StreamComplete:
			sawComplete = true
			if !ev.Success {
				t.Errorf("expected successful completion, got exit code %d", ev.ExitCode)
			}
		}
	}
	if !sawStart || !sawComplete {
		t.Errorf("sawStart=%v sawComplete=%v", sawStart, sawComplete)
	}
	if stdout != "one\ntwo\n" {
		t.Errorf("stdout = %q, want %q", stdout, "one\ntwo\n")
	}
}

func TestSupervisor_CloseIsIdempotent(t *testing.T) {
	sup := New(newTestLogger(t), "close-session", t.TempDir(), time.Hour, time.Hour)
	if err := sup.Start(context.Background(), t.TempDir(), false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := sup.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	select {
	case <-sup.Exited():
	default:
		t.Error("expected the supervised shell to have exited after Close()")
	}
}
