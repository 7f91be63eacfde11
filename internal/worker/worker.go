package worker

import (
	"fmt"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/task"
)

// Role names one of the pipeline worker variants.
type Role string

const (
	RoleSafety    Role = "safety"
	RoleProcessor Role = "processor"
	RoleCritic    Role = "critic"
)

// Artifact names produced by the workers.
const (
	ArtifactVerdict    = "safety_verdict"
	ArtifactAnswer     = "answer"
	ArtifactEvaluation = "evaluation"
)

// Worker translates between tasks and one capability. The set of
// implementations is closed: SafetyWorker, ProcessorWorker and CriticWorker.
type Worker interface {
	Role() Role
	// Skill describes the single capability the worker declares.
	Skill() Skill
	// Input builds the capability input from the task's latest user message.
	Input(t *task.Task) (capability.Input, error)
	// Result turns the capability output into artifacts and the final agent
	// message. An error means the output was unusable.
	Result(out capability.Output) ([]task.Artifact, task.Message, error)

	isWorker()
}

// Skill is the declared capability of a worker.
type Skill struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	Examples    []string
}

// ForRole returns the worker variant for role. It is meant for process
// startup, where the role comes from configuration.
func ForRole(role Role) (Worker, error) {
	switch role {
	case RoleSafety:
		return SafetyWorker{}, nil
	case RoleProcessor:
		return ProcessorWorker{}, nil
	case RoleCritic:
		return CriticWorker{}, nil
	default:
		return nil, fmt.Errorf("unknown worker role: %s", role)
	}
}

// latestUserMessage returns the most recent user-authored message.
func latestUserMessage(t *task.Task) (task.Message, error) {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role == task.RoleUser {
			return t.History[i], nil
		}
	}
	return task.Message{}, fmt.Errorf("task %s has no user message", t.ID)
}

func skillID(role Role) string {
	return string(role) + "-skill"
}
