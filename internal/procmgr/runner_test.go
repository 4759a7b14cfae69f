package procmgr

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

func waitForTerminal(t *testing.T, r *ProcessRunner, id string) Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := r.Get(id, true)
		if !ok {
			t.Fatalf("process %s disappeared", id)
		}
		if info.Status.Terminal() {
			return *info
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s never reached a terminal status", id)
	return Info{}
}

func TestProcessRunner_StartAndComplete(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	info, err := r.Start(context.Background(), StartRequest{
		SessionID: "s1",
		Command:   "echo hello",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if info.Status != StatusRunning && info.Status != StatusExited {
		t.Errorf("Start() status = %v, want running or exited", info.Status)
	}

	final := waitForTerminal(t, r, info.ID)
	if final.Status != StatusExited {
		t.Errorf("final status = %v, want %v", final.Status, StatusExited)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}

	var stdout string
	for _, chunk := range final.Output {
		if chunk.Stream == "stdout" {
			stdout += chunk.Data
		}
	}
	if stdout != "hello\n" {
		t.Errorf("captured stdout = %q, want %q", stdout, "hello\n")
	}
}

func TestProcessRunner_FailingCommand(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	info, err := r.Start(context.Background(), StartRequest{
		SessionID: "s1",
		Command:   "exit 7",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	final := waitForTerminal(t, r, info.ID)
	if final.Status != StatusFailed {
		t.Errorf("status = %v, want %v", final.Status, StatusFailed)
	}
	if final.ExitCode == nil || *final.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", final.ExitCode)
	}
}

func TestProcessRunner_DuplicateID(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	_, err := r.Start(context.Background(), StartRequest{
		ProcessID: "fixed-id",
		SessionID: "s1",
		Command:   "sleep 1",
	})
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	_, err = r.Start(context.Background(), StartRequest{
		ProcessID: "fixed-id",
		SessionID: "s1",
		Command:   "echo again",
	})
	if err == nil {
		t.Error("expected duplicate process id to be rejected")
	}

	_ = r.Kill(context.Background(), "fixed-id")
}

func TestProcessRunner_KillAllScopesToSession(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	if _, err := r.Start(context.Background(), StartRequest{SessionID: "s1", Command: "sleep 5"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := r.Start(context.Background(), StartRequest{SessionID: "s2", Command: "sleep 5"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	killed, err := r.KillAll(context.Background(), "s1")
	if err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}

	// Clean up the remaining s2 process.
	if _, err := r.KillAll(context.Background(), ""); err != nil {
		t.Fatalf("cleanup KillAll() error = %v", err)
	}
}

func TestProcessRunner_PortPlaceholderSubstitution(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	info, err := r.Start(context.Background(), StartRequest{
		SessionID: "s1",
		Command:   "echo $PORT",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if info.Command == "echo $PORT" {
		t.Error("expected $PORT placeholder to be substituted in the stored command")
	}
	if len(info.PortEnv) != 1 {
		t.Fatalf("expected one allocated port env var, got %d", len(info.PortEnv))
	}

	final := waitForTerminal(t, r, info.ID)
	var stdout string
	for _, chunk := range final.Output {
		if chunk.Stream == "stdout" {
			stdout += chunk.Data
		}
	}
	if stdout == "$PORT\n" || stdout == "\n" {
		t.Errorf("expected the allocated port in stdout, got %q", stdout)
	}
}

func TestProcessRunner_SubscribeReplaysHistory(t *testing.T) {
	r := NewProcessRunner(newTestLogger(t), 1024*1024)

	info, err := r.Start(context.Background(), StartRequest{SessionID: "s1", Command: "echo replayed"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForTerminal(t, r, info.ID)

	var received string
	detach, ok := r.Subscribe(info.ID, func(chunk OutputChunk) {
		received += chunk.Data
	}, nil)
	if !ok {
		t.Fatal("Subscribe() returned not found")
	}
	defer detach()

	if received != "replayed\n" {
		t.Errorf("replayed output = %q, want %q", received, "replayed\n")
	}
}
