package session

import (
	"context"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(newTestLogger(t), 1024*1024, t.TempDir(), time.Hour, time.Hour)
}

func TestManager_CreateAndGetSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, Options{ID: "one", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	defer m.DestroySession(ctx, "one")

	got, ok := m.GetSession("one")
	if !ok || got != sess {
		t.Error("GetSession() did not return the created session")
	}

	list := m.ListSessions()
	if len(list) != 1 || list[0].ID != "one" {
		t.Errorf("ListSessions() = %+v, want one session with id=one", list)
	}
}

func TestManager_CreateSessionRejectsRelativeCwd(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateSession(context.Background(), Options{ID: "bad", Cwd: "relative/path"}); err == nil {
		t.Error("expected CreateSession() to reject a relative cwd")
	}
}

func TestManager_CreateSessionReplacesExisting(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateSession(ctx, Options{ID: "dup", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("first CreateSession() error = %v", err)
	}

	second, err := m.CreateSession(ctx, Options{ID: "dup", Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("second CreateSession() error = %v", err)
	}
	defer m.DestroySession(ctx, "dup")

	if second == first {
		t.Error("expected CreateSession() to replace the existing session with a new instance")
	}
	if first.Info().State != StateTerminated {
		t.Errorf("replaced session state = %v, want %v", first.Info().State, StateTerminated)
	}

	got, _ := m.GetSession("dup")
	if got != second {
		t.Error("GetSession() should return the replacement session")
	}
}

func TestManager_GetOrCreateDefaultSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.GetOrCreateDefaultSession(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateDefaultSession() error = %v", err)
	}
	defer m.DestroySession(ctx, "default")

	again, err := m.GetOrCreateDefaultSession(ctx)
	if err != nil {
		t.Fatalf("second GetOrCreateDefaultSession() error = %v", err)
	}
	if sess != again {
		t.Error("expected GetOrCreateDefaultSession() to return the same session on subsequent calls")
	}
}

func TestManager_ExecUsesDefaultSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	defer m.DestroySession(ctx, "default")

	result, sessionID, err := m.Exec(ctx, "echo hi", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if sessionID != "default" {
		t.Errorf("sessionID = %q, want default", sessionID)
	}
	if !result.Success || result.Stdout != "hi\n" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestManager_DestroyAllClearsSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, Options{ID: "a", Cwd: t.TempDir()}); err != nil {
		t.Fatalf("CreateSession(a) error = %v", err)
	}
	if _, err := m.CreateSession(ctx, Options{ID: "b", Cwd: t.TempDir()}); err != nil {
		t.Fatalf("CreateSession(b) error = %v", err)
	}

	if err := m.DestroyAll(ctx); err != nil {
		t.Fatalf("DestroyAll() error = %v", err)
	}
	if len(m.ListSessions()) != 0 {
		t.Errorf("ListSessions() after DestroyAll() = %v, want empty", m.ListSessions())
	}
}

func TestManager_DestroySessionNotFound(t *testing.T) {
	m := newTestManager(t)
	if err := m.DestroySession(context.Background(), "missing"); err == nil {
		t.Error("expected DestroySession() to fail for an unknown id")
	}
}
