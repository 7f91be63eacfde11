package task

import (
	"time"

	"github.com/google/uuid"
)

// Error kinds carried by the final message of a failed task.
const (
	ErrorKindCapability = "capability_failure"
	ErrorKindTimeout    = "timeout"
	ErrorKindBadInput   = "bad_input"
	ErrorKindCanceled   = "canceled"
)

// NewID returns a collision-resistant identifier for tasks, messages and
// artifacts.
func NewID() string {
	return uuid.New().String()
}

// NewMessage builds a message with a fresh id.
func NewMessage(role Role, parts ...Part) Message {
	return Message{
		MessageID: NewID(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// UserText builds a user message holding a single text part.
func UserText(text string) Message {
	return NewMessage(RoleUser, TextPart(text))
}

// NewArtifact builds an artifact with a fresh id.
func NewArtifact(name string, parts ...Part) Artifact {
	return Artifact{
		ArtifactID: NewID(),
		Name:       name,
		Parts:      parts,
	}
}

// ErrorMessage builds the agent message recorded when a task fails.
func ErrorMessage(kind, explanation string) Message {
	return NewMessage(RoleAgent,
		TextPart(explanation),
		DataPart(map[string]any{
			"error": map[string]any{
				"kind":    kind,
				"message": explanation,
			},
		}),
	)
}

// ErrorInfo is the structured error description of a failed task.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FailureOf extracts the error description from the last message of a
// failed task. ok is false when the task did not fail or carries none.
func FailureOf(t *Task) (ErrorInfo, bool) {
	if t.State != StateFailed {
		return ErrorInfo{}, false
	}
	msg, ok := t.LastMessage()
	if !ok {
		return ErrorInfo{}, false
	}
	info := ErrorInfo{Message: msg.Text()}
	if data := msg.Data(); data != nil {
		if e, ok := data["error"].(map[string]any); ok {
			info.Kind, _ = e["kind"].(string)
			if m, _ := e["message"].(string); m != "" {
				info.Message = m
			}
		}
	}
	return info, info.Message != "" || info.Kind != ""
}
