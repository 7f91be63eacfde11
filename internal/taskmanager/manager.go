package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aristath/taskrelay/internal/events"
	"github.com/aristath/taskrelay/internal/metrics"
	"github.com/aristath/taskrelay/internal/persistence"
	"github.com/aristath/taskrelay/internal/task"
)

// Request carries one message submitted for a new or existing task.
type Request struct {
	TaskID    string
	SessionID string
	Message   task.Message
	Metadata  map[string]string
}

// Manager is the only writer of a worker's tasks. Every mutation of a task id
// runs under that id's lock, is checked against the state machine, persisted
// and then published on the event bus.
type Manager struct {
	name    string
	store   persistence.Store
	bus     *events.EventBus
	locks   *KeyedLocks
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithEventBus publishes task events on an existing bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(mgr *Manager) { mgr.bus = bus }
}

// New creates a task manager for the worker called name.
func New(name string, store persistence.Store, opts ...Option) *Manager {
	m := &Manager{
		name:    name,
		store:   store,
		locks:   NewKeyedLocks(),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = events.NewEventBus()
	}
	return m
}

// Submit appends req.Message to a task. An empty or unknown id creates the
// task in the submitted state; a known id is accepted only while the task is
// waiting for input. resumed reports which of the two happened.
func (m *Manager) Submit(ctx context.Context, req Request) (t *task.Task, resumed bool, err error) {
	if len(req.Message.Parts) == 0 {
		return nil, false, fmt.Errorf("message has no parts")
	}
	if req.TaskID == "" {
		req.TaskID = task.NewID()
	}
	if req.Message.MessageID == "" {
		req.Message.MessageID = task.NewID()
	}
	if req.Message.CreatedAt.IsZero() {
		req.Message.CreatedAt = time.Now().UTC()
	}

	m.locks.Lock(req.TaskID)
	defer m.locks.Unlock(req.TaskID)

	existing, err := m.store.GetTask(ctx, req.TaskID)
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		now := time.Now().UTC()
		t = &task.Task{
			ID:        req.TaskID,
			SessionID: req.SessionID,
			State:     task.StateSubmitted,
			History:   []task.Message{req.Message},
			Artifacts: []task.Artifact{},
			Metadata:  req.Metadata,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.SaveTask(ctx, t); err != nil {
			return nil, false, fmt.Errorf("failed to create task %s: %w", t.ID, err)
		}
		m.metrics.TaskTransition(m.name, string(task.StateSubmitted))
		m.publishStatus(t)
		return t.Clone(), false, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to load task %s: %w", req.TaskID, err)
	}

	if existing.State != task.StateInputRequired {
		m.reject(existing.ID, existing.State, task.StateWorking)
		return nil, false, fmt.Errorf("%w: task %s is %s and does not accept input", task.ErrInvalidTransition, existing.ID, existing.State)
	}

	existing.History = append(existing.History, req.Message)
	for k, v := range req.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]string)
		}
		existing.Metadata[k] = v
	}
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("failed to append message to task %s: %w", existing.ID, err)
	}
	m.publishStatus(existing)
	return existing.Clone(), true, nil
}

// Transition moves a task to state to, appending msg to its history when
// non-nil. Illegal transitions are logged, counted and rejected with an error
// wrapping task.ErrInvalidTransition.
func (m *Manager) Transition(ctx context.Context, taskID string, to task.State, msg *task.Message) (*task.Task, error) {
	m.locks.Lock(taskID)
	defer m.locks.Unlock(taskID)

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if err := task.CheckTransition(t.State, to); err != nil {
		m.reject(taskID, t.State, to)
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	t.State = to
	if msg != nil {
		t.History = append(t.History, *msg)
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task %s: %w", taskID, err)
	}

	m.metrics.TaskTransition(m.name, string(to))
	if task.IsTerminal(to) {
		m.release(taskID)
	}
	m.publishStatus(t)
	return t.Clone(), nil
}

// AddArtifact attaches a to a task that has not finished yet.
func (m *Manager) AddArtifact(ctx context.Context, taskID string, a task.Artifact) (*task.Task, error) {
	m.locks.Lock(taskID)
	defer m.locks.Unlock(taskID)

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal(t.State) {
		return nil, fmt.Errorf("%w: task %s is %s and accepts no artifacts", task.ErrInvalidTransition, taskID, t.State)
	}

	if a.ArtifactID == "" {
		a.ArtifactID = task.NewID()
	}
	t.Artifacts = append(t.Artifacts, a)
	t.Version++
	t.UpdatedAt = time.Now().UTC()

	if err := m.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task %s: %w", taskID, err)
	}

	snapshot := t.Clone()
	m.bus.Publish(events.TaskTopic(taskID), events.TaskArtifactEvent{
		Task:      snapshot,
		Artifact:  a,
		Timestamp: t.UpdatedAt,
	})
	return snapshot, nil
}

// Cancel moves a non-terminal task to canceled and interrupts its running
// capability call. Canceling a finished task returns its snapshot unchanged.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	m.locks.Lock(taskID)

	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.locks.Unlock(taskID)
		return nil, err
	}
	if task.IsTerminal(t.State) {
		m.locks.Unlock(taskID)
		return t, nil
	}

	t.State = task.StateCanceled
	t.History = append(t.History, task.NewMessage(task.RoleAgent, task.TextPart("task canceled")))
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, t); err != nil {
		m.locks.Unlock(taskID)
		return nil, fmt.Errorf("failed to save task %s: %w", taskID, err)
	}
	m.metrics.TaskTransition(m.name, string(task.StateCanceled))
	m.publishStatus(t)
	m.locks.Unlock(taskID)

	m.release(taskID)
	return t.Clone(), nil
}

// Get returns a snapshot of the task, keeping only the last historyLength
// messages when historyLength > 0.
func (m *Manager) Get(ctx context.Context, taskID string, historyLength int) (*task.Task, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.WithHistoryLength(historyLength), nil
}

// List returns task headers, optionally filtered by state.
func (m *Manager) List(ctx context.Context, state task.State) ([]*task.Task, error) {
	return m.store.ListTasks(ctx, state)
}

// Watch subscribes to a task's events and returns the snapshot taken after
// subscribing. Events whose task version is not greater than the snapshot's
// were already reflected in it. stop must be called to release the
// subscription.
func (m *Manager) Watch(ctx context.Context, taskID string) (snapshot *task.Task, ch <-chan events.Event, stop func(), err error) {
	ch = m.bus.Subscribe(events.TaskTopic(taskID), 0)
	stop = func() { m.bus.Unsubscribe(ch) }

	snapshot, err = m.store.GetTask(ctx, taskID)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return snapshot, ch, stop, nil
}

// Bind derives a context for the capability call running on behalf of
// taskID. Cancel on that task cancels the returned context. release must be
// called when the call returns.
func (m *Manager) Bind(parent context.Context, taskID string) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancels[taskID] = cancel
	m.mu.Unlock()
	return ctx, func() { m.release(taskID) }
}

// Events returns the bus tasks are published on.
func (m *Manager) Events() *events.EventBus {
	return m.bus
}

// Name returns the worker name the manager records metrics under.
func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	delete(m.cancels, taskID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) reject(taskID string, from, to task.State) {
	log.Printf("WARNING: [%s] rejected transition for task %s: %s -> %s", m.name, taskID, from, to)
	m.metrics.TransitionRejected(m.name)
}

func (m *Manager) publishStatus(t *task.Task) {
	m.bus.Publish(events.TaskTopic(t.ID), events.TaskStatusEvent{
		Task:      t.Clone(),
		Final:     task.IsTerminal(t.State),
		Timestamp: t.UpdatedAt,
	})
}
