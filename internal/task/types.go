package task

import (
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-a2a-go/protocol"
)

// State is the lifecycle state of a task. Values use the A2A wire strings.
type State = protocol.TaskState

// Task states.
const (
	StateSubmitted     = protocol.TaskStateSubmitted
	StateWorking       = protocol.TaskStateWorking
	StateInputRequired = protocol.TaskStateInputRequired
	StateCompleted     = protocol.TaskStateCompleted
	StateFailed        = protocol.TaskStateFailed
	StateCanceled      = protocol.TaskStateCanceled
)

// Role identifies who authored a message.
type Role = protocol.MessageRole

// Message roles.
const (
	RoleUser  = protocol.MessageRoleUser
	RoleAgent = protocol.MessageRoleAgent
)

// PartKind tags the content carried by a Part.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
)

// Part is one typed fragment of a message or artifact.
type Part struct {
	Kind PartKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text fragment.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// DataPart builds a structured fragment.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartData, Data: data}
}

// Message is one entry of a task history. Messages are never modified after
// they have been appended to a task.
type Message struct {
	MessageID string    `json:"message_id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Text joins the text parts of the message in order.
func (m Message) Text() string {
	return joinText(m.Parts)
}

// Data returns the first structured part, or nil.
func (m Message) Data() map[string]any {
	return firstData(m.Parts)
}

// Artifact is a named result payload produced by a worker.
type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

// Text joins the text parts of the artifact in order.
func (a Artifact) Text() string {
	return joinText(a.Parts)
}

// Data returns the first structured part, or nil.
func (a Artifact) Data() map[string]any {
	return firstData(a.Parts)
}

// Task is the unit of work exchanged between the coordinator and a worker.
type Task struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	State     State             `json:"state"`
	History   []Message         `json:"history"`
	Artifacts []Artifact        `json:"artifacts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// LastMessage returns the most recent history entry.
func (t *Task) LastMessage() (Message, bool) {
	if len(t.History) == 0 {
		return Message{}, false
	}
	return t.History[len(t.History)-1], true
}

// Artifact returns the first artifact with the given name.
func (t *Task) Artifact(name string) (Artifact, bool) {
	for _, a := range t.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Clone returns a deep copy that shares no slices or maps with t.
func (t *Task) Clone() *Task {
	c := *t
	c.History = make([]Message, len(t.History))
	for i, m := range t.History {
		c.History[i] = m
		c.History[i].Parts = cloneParts(m.Parts)
	}
	c.Artifacts = make([]Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		c.Artifacts[i] = a
		c.Artifacts[i].Parts = cloneParts(a.Parts)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WithHistoryLength returns a copy keeping only the last n history entries.
// n <= 0 keeps the full history.
func (t *Task) WithHistoryLength(n int) *Task {
	c := t.Clone()
	if n > 0 && len(c.History) > n {
		c.History = c.History[len(c.History)-n:]
	}
	return c
}

// Validate checks the fields every well-formed snapshot must carry.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errMissingID
	}
	if !IsKnown(t.State) {
		return &UnknownStateError{State: t.State}
	}
	return nil
}

func joinText(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func firstData(parts []Part) map[string]any {
	for _, p := range parts {
		if p.Kind == PartData && p.Data != nil {
			return p.Data
		}
	}
	return nil
}

// cloneParts copies the part slice; data maps are shallow copied.
func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p
		if p.Data != nil {
			d := make(map[string]any, len(p.Data))
			for k, v := range p.Data {
				d[k] = v
			}
			out[i].Data = d
		}
	}
	return out
}
