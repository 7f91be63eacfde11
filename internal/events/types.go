package events

import (
	"time"

	"github.com/aristath/taskrelay/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicPipeline = "pipeline"
)

// TaskTopic is the per-task topic used by streaming subscribers.
func TaskTopic(taskID string) string {
	return TopicTask + "/" + taskID
}

// Event type constants
const (
	EventTypeTaskStatus    = "task.status"
	EventTypeTaskArtifact  = "task.artifact"
	EventTypeStageStarted  = "stage.started"
	EventTypeStageFinished = "stage.finished"
)

// TaskStatusEvent is published after every state change of a task.
// Task is a snapshot taken while the change was applied.
type TaskStatusEvent struct {
	Task      *task.Task
	Final     bool
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.Task.ID }

// TaskArtifactEvent is published when a worker attaches an artifact.
type TaskArtifactEvent struct {
	Task      *task.Task
	Artifact  task.Artifact
	Timestamp time.Time
}

func (e TaskArtifactEvent) EventType() string { return EventTypeTaskArtifact }
func (e TaskArtifactEvent) TaskID() string    { return e.Task.ID }

// StageStartedEvent is published by the coordinator when a pipeline stage
// dispatches a task to a worker.
type StageStartedEvent struct {
	QueryID   string
	Stage     string
	Worker    string
	ID        string
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) TaskID() string    { return e.ID }

// StageFinishedEvent is published when a pipeline stage observes a final
// state or gives up.
type StageFinishedEvent struct {
	QueryID   string
	Stage     string
	ID        string
	State     task.State
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e StageFinishedEvent) EventType() string { return EventTypeStageFinished }
func (e StageFinishedEvent) TaskID() string    { return e.ID }
