package transport

import (
	"errors"

	"github.com/aristath/taskrelay/internal/task"
)

var (
	// ErrTransportUnavailable means the worker could not be reached or did
	// not answer in time. Callers may retry.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrProtocolViolation means the worker answered with something that is
	// not a well-formed task. Callers must not retry.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBadRequest means the worker refused the request as malformed.
	ErrBadRequest = errors.New("bad request")
)

// Well-known paths served by every worker.
const (
	PathAgentCard = "/.well-known/agent.json"
	PathSend      = "/tasks/send"
	PathStream    = "/tasks/stream"
	PathHealth    = "/healthz"
	PathMetrics   = "/metrics"
)

// TaskRequest submits one message to a new or existing task.
type TaskRequest struct {
	TaskID        string            `json:"task_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Message       task.Message      `json:"message"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	HistoryLength int               `json:"history_length,omitempty"`
}

// Frame kinds sent on a stream.
const (
	FrameSnapshot = "snapshot"
	FrameStatus   = "status-update"
	FrameArtifact = "artifact-update"
	FrameError    = "error"
)

// StreamFrame is one server-pushed update. Task is always the full snapshot
// after the update; Artifact is set on artifact updates.
type StreamFrame struct {
	Kind     string         `json:"kind"`
	Task     *task.Task     `json:"task,omitempty"`
	Artifact *task.Artifact `json:"artifact,omitempty"`
	Final    bool           `json:"final"`
	Error    string         `json:"error,omitempty"`
}

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}
