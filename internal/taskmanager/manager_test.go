package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/persistence"
	"github.com/aristath/taskrelay/internal/task"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New("test-worker", store)
}

func submit(t *testing.T, m *Manager, id, text string) *task.Task {
	t.Helper()
	tk, _, err := m.Submit(context.Background(), Request{TaskID: id, Message: task.UserText(text)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return tk
}

// TestSubmitCreatesTask verifies a new task starts submitted with the message in history.
func TestSubmitCreatesTask(t *testing.T) {
	m := newTestManager(t)

	tk, resumed, err := m.Submit(context.Background(), Request{
		SessionID: "s1",
		Message:   task.UserText("hello"),
		Metadata:  map[string]string{"origin": "test"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if resumed {
		t.Error("expected a new task, got resumed")
	}
	if tk.ID == "" {
		t.Error("expected a generated id")
	}
	if tk.State != task.StateSubmitted {
		t.Errorf("expected submitted, got %s", tk.State)
	}
	if len(tk.History) != 1 || tk.History[0].Text() != "hello" {
		t.Errorf("unexpected history: %+v", tk.History)
	}
	if tk.SessionID != "s1" || tk.Metadata["origin"] != "test" {
		t.Errorf("session or metadata lost: %+v", tk)
	}
}

// TestSubmitRejectsEmptyMessage verifies a message without parts is refused.
func TestSubmitRejectsEmptyMessage(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Submit(context.Background(), Request{Message: task.Message{Role: task.RoleUser}}); err == nil {
		t.Fatal("expected error for empty message")
	}
}

// TestTransitionPath verifies the happy path and that terminal states cannot be left.
func TestTransitionPath(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")

	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatalf("submitted -> working failed: %v", err)
	}
	reply := task.NewMessage(task.RoleAgent, task.TextPart("done"))
	done, err := m.Transition(ctx, tk.ID, task.StateCompleted, &reply)
	if err != nil {
		t.Fatalf("working -> completed failed: %v", err)
	}
	if done.Version != 3 {
		t.Errorf("expected version 3, got %d", done.Version)
	}

	_, err = m.Transition(ctx, tk.ID, task.StateWorking, nil)
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := m.Get(ctx, tk.ID, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("rejected transition was applied: state %s", got.State)
	}
	if len(got.History) != 2 {
		t.Errorf("expected 2 messages, got %d", len(got.History))
	}
}

// TestResumeInputRequired verifies a waiting task accepts a new message on the same id.
func TestResumeInputRequired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "first")

	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatal(err)
	}
	ask := task.NewMessage(task.RoleAgent, task.TextPart("which one?"))
	if _, err := m.Transition(ctx, tk.ID, task.StateInputRequired, &ask); err != nil {
		t.Fatal(err)
	}

	resumedTask, resumed, err := m.Submit(ctx, Request{TaskID: tk.ID, Message: task.UserText("the second")})
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !resumed {
		t.Error("expected resumed=true")
	}
	if resumedTask.State != task.StateInputRequired {
		t.Errorf("expected state to stay input-required until work restarts, got %s", resumedTask.State)
	}

	want := []string{"first", "which one?", "the second"}
	for i, text := range want {
		if resumedTask.History[i].Text() != text {
			t.Errorf("message %d: expected %q, got %q", i, text, resumedTask.History[i].Text())
		}
	}

	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatalf("input-required -> working failed: %v", err)
	}
}

// TestSubmitToRunningTaskRejected verifies only waiting tasks accept new input.
func TestSubmitToRunningTaskRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")
	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatal(err)
	}

	_, _, err := m.Submit(ctx, Request{TaskID: tk.ID, Message: task.UserText("again")})
	if !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// TestCancelInterruptsBoundContext verifies Cancel moves the task and cancels its running call.
func TestCancelInterruptsBoundContext(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")
	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatal(err)
	}

	callCtx, release := m.Bind(ctx, tk.ID)
	defer release()

	canceled, err := m.Cancel(ctx, tk.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if canceled.State != task.StateCanceled {
		t.Errorf("expected canceled, got %s", canceled.State)
	}

	select {
	case <-callCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("bound context was not canceled")
	}

	// A late result from the interrupted call must not be applied.
	if _, err := m.Transition(ctx, tk.ID, task.StateCompleted, nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected late completion to be rejected, got %v", err)
	}
	if _, err := m.AddArtifact(ctx, tk.ID, task.NewArtifact("answer", task.TextPart("late"))); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected late artifact to be rejected, got %v", err)
	}

	// Canceling again is a no-op.
	again, err := m.Cancel(ctx, tk.ID)
	if err != nil || again.State != task.StateCanceled {
		t.Errorf("second cancel: state %v, err %v", again, err)
	}
}

// TestGetHistoryLength verifies snapshots can be trimmed without touching storage.
func TestGetHistoryLength(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")
	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatal(err)
	}
	reply := task.NewMessage(task.RoleAgent, task.TextPart("a"))
	if _, err := m.Transition(ctx, tk.ID, task.StateCompleted, &reply); err != nil {
		t.Fatal(err)
	}

	trimmed, err := m.Get(ctx, tk.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(trimmed.History) != 1 || trimmed.History[0].Text() != "a" {
		t.Errorf("expected only last message, got %+v", trimmed.History)
	}

	full, err := m.Get(ctx, tk.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.History) != 2 {
		t.Errorf("expected 2 stored messages, got %d", len(full.History))
	}
}

// TestGetUnknownTask verifies lookups of unknown ids report ErrTaskNotFound.
func TestGetUnknownTask(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get(context.Background(), "nope", 0); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// TestWatchDeliversOrderedEvents verifies a watcher sees every later state in order, ending final.
func TestWatchDeliversOrderedEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")

	snapshot, ch, stop, err := m.Watch(ctx, tk.ID)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stop()

	go func() {
		m.Transition(ctx, tk.ID, task.StateWorking, nil)
		m.AddArtifact(ctx, tk.ID, task.NewArtifact("answer", task.TextPart("Paris")))
		m.Transition(ctx, tk.ID, task.StateCompleted, nil)
	}()

	states := []task.State{snapshot.State}
	lastVersion := snapshot.Version
	sawArtifact := false
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch e := ev.(type) {
			case events.TaskStatusEvent:
				if e.Task.Version <= lastVersion {
					t.Fatalf("event version %d not after %d", e.Task.Version, lastVersion)
				}
				lastVersion = e.Task.Version
				states = append(states, e.Task.State)
				if e.Final {
					if !task.ValidPath(states) {
						t.Errorf("invalid observed path %v", states)
					}
					if !sawArtifact {
						t.Error("artifact event was not delivered before the final event")
					}
					return
				}
			case events.TaskArtifactEvent:
				sawArtifact = true
				lastVersion = e.Task.Version
			}
		case <-timeout:
			t.Fatalf("timed out, observed %v", states)
		}
	}
}

// TestConcurrentTasksIndependent verifies distinct task ids progress in parallel without interference.
func TestConcurrentTasksIndependent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			if _, _, err := m.Submit(ctx, Request{TaskID: id, Message: task.UserText(id)}); err != nil {
				errs <- err
				return
			}
			if _, err := m.Transition(ctx, id, task.StateWorking, nil); err != nil {
				errs <- err
				return
			}
			if _, err := m.Transition(ctx, id, task.StateCompleted, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent task error: %v", err)
	}

	done, err := m.List(ctx, task.StateCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 20 {
		t.Errorf("expected 20 completed tasks, got %d", len(done))
	}
}

// TestRacingTransitionsSameTask verifies exactly one of two racing terminal transitions wins.
func TestRacingTransitionsSameTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	tk := submit(t, m, "t1", "q")
	if _, err := m.Transition(ctx, tk.ID, task.StateWorking, nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, to := range []task.State{task.StateCompleted, task.StateFailed} {
		wg.Add(1)
		go func(to task.State) {
			defer wg.Done()
			_, err := m.Transition(ctx, tk.ID, to, nil)
			results <- err
		}(to)
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, task.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("expected one winner and one rejection, got %d and %d", ok, rejected)
	}
}
