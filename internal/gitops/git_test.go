package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

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

// newTestRepo initializes a throwaway git repository with one committed file,
// returning an Operator rooted at it.
func newTestRepo(t *testing.T) *Operator {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")

	return NewOperator(dir, newTestLogger(t))
}

func TestOperator_CurrentBranchAndListBranches(t *testing.T) {
	op := newTestRepo(t)

	branch, err := op.CurrentBranch(context.Background())
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %q, want %q", branch, "main")
	}

	if _, err := op.Checkout(context.Background(), "feature/x", true); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	branches, err := op.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches() error = %v", err)
	}
	found := false
	for _, b := range branches {
		if b == "feature/x" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListBranches() = %v, expected to contain feature/x", branches)
	}
}

func TestOperator_CommitAndStage(t *testing.T) {
	op := newTestRepo(t)
	dir := op.Dir()

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("content\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	result, err := op.Commit(context.Background(), "no staged changes", false)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if result.Success {
		t.Error("Commit() with stageAll=false and an unstaged new file should fail")
	}

	stageResult, err := op.Stage(context.Background(), nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if !stageResult.Success {
		t.Errorf("Stage() failed: %s", stageResult.Error)
	}

	commitResult, err := op.Commit(context.Background(), "add new file", false)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !commitResult.Success {
		t.Errorf("Commit() failed: %s", commitResult.Error)
	}
}

func TestOperator_InvalidBranchNameRejected(t *testing.T) {
	op := newTestRepo(t)

	if _, err := op.Checkout(context.Background(), "../escape", false); err == nil {
		t.Error("expected Checkout() to reject an unsafe branch name")
	}
	if _, err := op.Rebase(context.Background(), "bad name"); err == nil {
		t.Error("expected Rebase() to reject an unsafe branch name")
	}
}

func TestOperator_SerializesConcurrentOperations(t *testing.T) {
	op := newTestRepo(t)

	if !op.tryLock("test-op") {
		t.Fatal("expected first tryLock to succeed")
	}
	defer op.unlock()

	if _, err := op.Pull(context.Background(), false); err != ErrOperationInProgress {
		t.Errorf("Pull() error = %v, want %v", err, ErrOperationInProgress)
	}
}

func TestOperator_ShowCommitValidatesSHA(t *testing.T) {
	op := newTestRepo(t)

	result, err := op.ShowCommit(context.Background(), "not-a-sha!!")
	if err != nil {
		t.Fatalf("ShowCommit() error = %v", err)
	}
	if result.Success {
		t.Error("expected ShowCommit() to fail for an invalid SHA")
	}
}
