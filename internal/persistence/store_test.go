package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskrelay/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTask(id string, state task.State) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:        id,
		SessionID: "session-1",
		State:     state,
		History:   []task.Message{task.UserText("What is the capital of France?")},
		Artifacts: []task.Artifact{},
		Metadata:  map[string]string{"origin": "test"},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestSaveAndGetTask verifies every field survives a save and reload.
func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("task-1", task.StateCompleted)
	tk.History = append(tk.History, task.NewMessage(task.RoleAgent, task.TextPart("Paris")))
	tk.Artifacts = append(tk.Artifacts, task.NewArtifact("answer", task.TextPart("Paris")))

	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if got.State != task.StateCompleted {
		t.Errorf("expected state completed, got %s", got.State)
	}
	if got.SessionID != "session-1" {
		t.Errorf("expected session-1, got %q", got.SessionID)
	}
	if got.Metadata["origin"] != "test" {
		t.Errorf("expected metadata origin=test, got %v", got.Metadata)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.History))
	}
	if got.History[1].Role != task.RoleAgent || got.History[1].Text() != "Paris" {
		t.Errorf("unexpected second message: %+v", got.History[1])
	}
	if a, ok := got.Artifact("answer"); !ok || a.Text() != "Paris" {
		t.Errorf("expected answer artifact 'Paris', got %+v", got.Artifacts)
	}
}

// TestSaveTaskAppendsHistory verifies repeated saves keep earlier messages in order.
func TestSaveTaskAppendsHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("task-2", task.StateWorking)
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	tk.History = append(tk.History, task.NewMessage(task.RoleAgent, task.TextPart("need more detail")))
	tk.State = task.StateInputRequired
	tk.Version = 2
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	tk.History = append(tk.History, task.UserText("the capital city"))
	tk.State = task.StateWorking
	tk.Version = 3
	if err := store.SaveTask(ctx, tk); err != nil {
		t.Fatalf("third save failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-2")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("expected version 3, got %d", got.Version)
	}
	want := []string{"What is the capital of France?", "need more detail", "the capital city"}
	if len(got.History) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got.History))
	}
	for i, text := range want {
		if got.History[i].Text() != text {
			t.Errorf("message %d: expected %q, got %q", i, text, got.History[i].Text())
		}
		if got.History[i].MessageID != tk.History[i].MessageID {
			t.Errorf("message %d: id changed", i)
		}
	}
}

// TestGetTaskNotFound verifies unknown ids wrap task.ErrTaskNotFound.
func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// TestListTasks verifies filtering by state.
func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, tk := range []*task.Task{
		newTask("a", task.StateWorking),
		newTask("b", task.StateCompleted),
		newTask("c", task.StateWorking),
	} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("failed to save %s: %v", tk.ID, err)
		}
	}

	all, err := store.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(all))
	}

	working, err := store.ListTasks(ctx, task.StateWorking)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(working) != 2 {
		t.Errorf("expected 2 working tasks, got %d", len(working))
	}
}

// TestDeleteTerminalBefore verifies only old finished tasks are removed.
func TestDeleteTerminalBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)

	done := newTask("old-done", task.StateCompleted)
	done.UpdatedAt = old
	running := newTask("old-running", task.StateWorking)
	running.UpdatedAt = old
	fresh := newTask("fresh-done", task.StateFailed)

	for _, tk := range []*task.Task{done, running, fresh} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("failed to save %s: %v", tk.ID, err)
		}
	}

	n, err := store.DeleteTerminalBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted task, got %d", n)
	}

	if _, err := store.GetTask(ctx, "old-done"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected old-done to be deleted, got %v", err)
	}
	if _, err := store.GetTask(ctx, "old-running"); err != nil {
		t.Errorf("expected old-running to survive, got %v", err)
	}
	if _, err := store.GetTask(ctx, "fresh-done"); err != nil {
		t.Errorf("expected fresh-done to survive, got %v", err)
	}
}

// TestMemoryStoresAreIsolated verifies two in-memory stores do not share tasks.
func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveTask(ctx, newTask("only-in-a", task.StateWorking)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := b.GetTask(ctx, "only-in-a"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected task to be absent from second store, got %v", err)
	}
}

// TestSQLiteStoreOnDisk verifies tasks persist across reopen.
func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SaveTask(ctx, newTask("persisted", task.StateCompleted)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetTask(ctx, "persisted")
	if err != nil {
		t.Fatalf("failed to get task after reopen: %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("expected 1 message, got %d", len(got.History))
	}
}

// TestSQLiteStorePragmas verifies WAL, busy timeout and foreign keys are active on a fresh store.
func TestSQLiteStorePragmas(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	var mode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected journal_mode wal, got %q", mode)
	}

	var timeout, foreignKeys int
	if err := store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout query failed: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", timeout)
	}
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("foreign_keys query failed: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign keys enabled, got %d", foreignKeys)
	}
}
