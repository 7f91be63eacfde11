package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/registry"
	"github.com/aristath/taskrelay/internal/task"
	"github.com/aristath/taskrelay/internal/transport"
)

// cancelTimeout bounds the best-effort cancel sent when a stage is abandoned.
const cancelTimeout = 5 * time.Second

// errInputRequired means a worker kept asking for input the pipeline could
// not provide.
var errInputRequired = errors.New("worker requires input")

// runStage dispatches msg to the stage's worker and blocks until the task is
// final. It resumes input-required tasks through the clarifier and cancels
// the worker task when the stage is abandoned.
func (p *Pipeline) runStage(ctx context.Context, wf *workflow, s stage, sessionID string, msg task.Message) (*task.Task, error) {
	role := s.worker.Role()
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.For(s.name))
	defer cancel()

	client, err := p.registry.Client(role)
	if err != nil {
		return nil, err
	}
	cb := p.breakers.Get(string(role))
	retry := p.retryFor(s.name)

	desc, err := callWithRetry(ctx, cb, retry, func(ctx context.Context) (registry.Descriptor, error) {
		return p.registry.Descriptor(ctx, role)
	})
	if err != nil {
		return nil, p.stageError(ctx, s, err)
	}
	if skill := s.worker.Skill().ID; !desc.Supports(skill) {
		return nil, fmt.Errorf("%w: %s worker %q does not declare %s", transport.ErrProtocolViolation, role, desc.Name, skill)
	}
	streaming := p.streaming && desc.Streaming

	req := transport.TaskRequest{
		SessionID: sessionID,
		Message:   msg,
		Metadata:  map[string]string{"query_id": wf.state.QueryID, "stage": s.name},
	}
	// taskID is the worker task that must be canceled if the stage is abandoned.
	var taskID string

	for round := 0; ; round++ {
		// sent is set once a request of this round may have reached the worker.
		sent := false
		t, err := callWithRetry(ctx, cb, retry, func(ctx context.Context) (*task.Task, error) {
			if round == 0 {
				// A fresh id per attempt keeps a retried submit from colliding
				// with a task the worker accepted before the connection dropped.
				if taskID != "" {
					go p.cancelRemote(client, taskID)
				}
				req.TaskID = task.NewID()
			} else if sent {
				// A resume must reuse the task id, so find out whether the
				// previous attempt was accepted before sending it again.
				t, accepted, err := p.acceptedResume(ctx, client, req)
				if err != nil || accepted {
					return t, err
				}
			}
			sent = true
			taskID = req.TaskID
			wf.dispatched(taskID)
			p.publish(events.StageStartedEvent{QueryID: wf.state.QueryID, Stage: s.name, Worker: desc.Name, ID: taskID, Timestamp: time.Now()})
			return p.send(ctx, client, streaming, wf.state.QueryID, req)
		})
		if err != nil {
			if taskID != "" {
				p.cancelRemote(client, taskID)
			}
			return nil, p.stageError(ctx, s, err)
		}

		switch {
		case task.IsTerminal(t.State):
			return t, nil
		case t.State != task.StateInputRequired:
			return nil, fmt.Errorf("%w: %s worker returned non-final state %s", transport.ErrProtocolViolation, role, t.State)
		}

		answer, err := p.clarify(ctx, t, round)
		if err != nil {
			p.cancelRemote(client, t.ID)
			return t, fmt.Errorf("%s stage: %w", s.name, err)
		}
		req = transport.TaskRequest{
			TaskID:    t.ID,
			SessionID: sessionID,
			Message:   task.UserText(answer),
		}
	}
}

// clarify asks the clarifier for the answer to an input-required task.
func (p *Pipeline) clarify(ctx context.Context, t *task.Task, round int) (string, error) {
	question := "more input required"
	if msg, ok := t.LastMessage(); ok && msg.Role == task.RoleAgent && strings.TrimSpace(msg.Text()) != "" {
		question = msg.Text()
	}

	clarifier := clarifierFrom(ctx, p.clarifier)
	if clarifier == nil {
		return "", fmt.Errorf("%w: %q", errInputRequired, question)
	}
	if round >= p.maxInputRounds {
		return "", fmt.Errorf("%w after %d rounds: %q", errInputRequired, round, question)
	}
	answer, err := clarifier.Ask(ctx, t.ID, question)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", errInputRequired, question, err)
	}
	return answer, nil
}

// send submits one request, over the stream when the worker supports it.
func (p *Pipeline) send(ctx context.Context, c *transport.Client, streaming bool, queryID string, req transport.TaskRequest) (*task.Task, error) {
	if !streaming {
		return c.Submit(ctx, req)
	}

	s, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	t, err := s.Wait(func(f transport.StreamFrame) {
		p.publish(events.TaskStatusEvent{Task: f.Task, Final: f.Final, Timestamp: time.Now()})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// retryFor returns the retry policy of a stage. Without a configured call
// timeout each attempt gets an equal share of the stage timeout.
func (p *Pipeline) retryFor(stage string) RetryConfig {
	retry := p.retry
	if retry.CallTimeout <= 0 && retry.MaxAttempts > 1 {
		retry.CallTimeout = p.timeouts.For(stage) / time.Duration(retry.MaxAttempts)
	}
	return retry
}

// resumePollInterval is how often acceptedResume re-reads a task that holds
// the resume message but has not started working on it.
const resumePollInterval = 20 * time.Millisecond

// acceptedResume reports whether the worker already holds the resume message
// of req. When it does, it waits for the task to stop and returns it.
func (p *Pipeline) acceptedResume(ctx context.Context, c *transport.Client, req transport.TaskRequest) (*task.Task, bool, error) {
	for {
		t, err := c.Get(ctx, req.TaskID, 0)
		if err != nil {
			return nil, false, err
		}
		last, ok := t.LastMessage()
		if !holdsMessage(t, req.Message.MessageID) {
			return nil, false, nil
		}

		switch {
		case task.IsTerminal(t.State):
			return t, true, nil
		case t.State == task.StateInputRequired && ok && last.MessageID == req.Message.MessageID:
			// Accepted but not picked up yet.
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(resumePollInterval):
			}
			continue
		case t.State == task.StateInputRequired:
			// Accepted, and the worker asked again.
			return t, true, nil
		}

		s, err := c.Subscribe(ctx, req.TaskID)
		if err != nil {
			return nil, false, err
		}
		defer s.Close()
		t, err = s.Wait(func(f transport.StreamFrame) {
			p.publish(events.TaskStatusEvent{Task: f.Task, Final: f.Final, Timestamp: time.Now()})
		})
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}
}

func holdsMessage(t *task.Task, messageID string) bool {
	for _, m := range t.History {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}

// stageError explains why a stage gave up. A stage deadline is reported as
// the worker being unavailable.
func (p *Pipeline) stageError(ctx context.Context, s stage, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, transport.ErrTransportUnavailable) {
		return fmt.Errorf("%w: %s stage timed out after %s", transport.ErrTransportUnavailable, s.name, p.timeouts.For(s.name))
	}
	return fmt.Errorf("%s stage: %w", s.name, err)
}

// cancelRemote asks a worker to cancel a task the pipeline no longer waits for.
func (p *Pipeline) cancelRemote(c *transport.Client, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if _, err := c.Cancel(ctx, taskID); err != nil && !errors.Is(err, task.ErrTaskNotFound) && !errors.Is(err, task.ErrInvalidTransition) {
		log.Printf("WARNING: failed to cancel task %s on %s: %v", taskID, c.BaseURL(), err)
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(events.TopicPipeline, ev)
	}
}
