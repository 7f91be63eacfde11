package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/taskmanager"
	"trpc.group/trpc-go/trpc-a2a-go/server"
)

// DefaultTimeout bounds a capability call when none is configured.
const DefaultTimeout = 45 * time.Second

// Host binds one Worker to its capability and task manager. It drives each
// task from submitted to a final state and never lets a capability error
// escape as anything other than a failed task.
type Host struct {
	worker  Worker
	cap     capability.Capability
	tasks   *taskmanager.Manager
	timeout time.Duration
	card    server.AgentCard
}

// NewHost creates a host. timeout <= 0 selects DefaultTimeout.
func NewHost(w Worker, c capability.Capability, tasks *taskmanager.Manager, timeout time.Duration, card DescriptorConfig) *Host {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Host{
		worker:  w,
		cap:     c,
		tasks:   tasks,
		timeout: timeout,
		card:    Descriptor(w, card),
	}
}

// Card returns the worker's agent card.
func (h *Host) Card() server.AgentCard {
	return h.card
}

// Worker returns the bound worker variant.
func (h *Host) Worker() Worker {
	return h.worker
}

// Tasks returns the host's task manager.
func (h *Host) Tasks() *taskmanager.Manager {
	return h.tasks
}

// Accept records the request on a new task, or on a task waiting for input.
func (h *Host) Accept(ctx context.Context, req taskmanager.Request) (*task.Task, error) {
	t, _, err := h.tasks.Submit(ctx, req)
	return t, err
}

// Handle accepts the request and processes it to a final or input-required
// state.
func (h *Host) Handle(ctx context.Context, req taskmanager.Request) (*task.Task, error) {
	t, err := h.Accept(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Process(ctx, t.ID)
}

// Process runs the capability for an accepted task and records the outcome.
// The task stays working until the call resolves.
func (h *Host) Process(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := h.tasks.Transition(ctx, taskID, task.StateWorking, nil)
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Canceled before work started.
			return h.tasks.Get(ctx, taskID, 0)
		}
		return nil, err
	}

	in, err := h.worker.Input(t)
	if err != nil {
		return h.fail(ctx, taskID, task.ErrorKindBadInput, err.Error())
	}

	callCtx, release := h.tasks.Bind(ctx, taskID)
	callCtx, cancel := context.WithTimeout(callCtx, h.timeout)
	start := time.Now()
	out, err := h.cap.Evaluate(callCtx, in)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	interrupted := errors.Is(callCtx.Err(), context.Canceled)
	cancel()
	release()

	if err != nil {
		if timedOut {
			return h.fail(ctx, taskID, task.ErrorKindTimeout,
				fmt.Sprintf("%s capability timed out after %s", h.worker.Role(), h.timeout))
		}
		if interrupted {
			// Canceled task or shutdown. The closing transition is rejected
			// when the task was canceled.
			log.Printf("[%s] capability call for task %s interrupted", h.worker.Role(), taskID)
			return h.fail(ctx, taskID, task.ErrorKindCapability,
				fmt.Sprintf("%s capability interrupted: %v", h.worker.Role(), err))
		}
		log.Printf("ERROR: [%s] capability failed for task %s after %s: %v", h.worker.Role(), taskID, time.Since(start).Round(time.Millisecond), err)
		return h.fail(ctx, taskID, task.ErrorKindCapability,
			fmt.Sprintf("%s capability failed: %v", h.worker.Role(), err))
	}

	if question, ok := inputRequest(out); ok {
		msg := task.NewMessage(task.RoleAgent, task.TextPart(question))
		return h.finish(ctx, taskID, task.StateInputRequired, &msg)
	}

	artifacts, msg, err := h.worker.Result(out)
	if err != nil {
		return h.fail(ctx, taskID, task.ErrorKindCapability,
			fmt.Sprintf("%s capability returned an unusable result: %v", h.worker.Role(), err))
	}

	for _, a := range artifacts {
		if _, err := h.tasks.AddArtifact(ctx, taskID, a); err != nil {
			if errors.Is(err, task.ErrInvalidTransition) {
				return h.tasks.Get(ctx, taskID, 0)
			}
			return nil, err
		}
	}

	return h.finish(ctx, taskID, task.StateCompleted, &msg)
}

func (h *Host) fail(ctx context.Context, taskID, kind, explanation string) (*task.Task, error) {
	msg := task.ErrorMessage(kind, explanation)
	return h.finish(ctx, taskID, task.StateFailed, &msg)
}

// finish applies the closing transition. If the task was canceled while the
// capability ran, the result is discarded and the canceled snapshot returned.
func (h *Host) finish(ctx context.Context, taskID string, to task.State, msg *task.Message) (*task.Task, error) {
	t, err := h.tasks.Transition(ctx, taskID, to, msg)
	if errors.Is(err, task.ErrInvalidTransition) {
		return h.tasks.Get(ctx, taskID, 0)
	}
	return t, err
}

// inputRequest reports whether the capability asked for more input.
func inputRequest(out capability.Output) (string, bool) {
	if out.Data == nil {
		return "", false
	}
	if required, _ := out.Data["input_required"].(bool); !required {
		return "", false
	}
	if q, ok := out.Data["question"].(string); ok && q != "" {
		return q, true
	}
	if out.Text != "" {
		return out.Text, true
	}
	return "more input required", true
}
