package worker

import (
	"fmt"
	"strings"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/task"
)

// ProcessorWorker answers a query.
type ProcessorWorker struct{}

func (ProcessorWorker) isWorker() {}

func (ProcessorWorker) Role() Role { return RoleProcessor }

func (ProcessorWorker) Skill() Skill {
	return Skill{
		ID:          skillID(RoleProcessor),
		Name:        "Query processing",
		Description: "Generates an answer to a query that passed the safety check",
		Tags:        []string{"a2a", "generation"},
		Examples:    []string{"What is the capital of France?"},
	}
}

func (ProcessorWorker) Input(t *task.Task) (capability.Input, error) {
	msg, err := latestUserMessage(t)
	if err != nil {
		return capability.Input{}, err
	}
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return capability.Input{}, fmt.Errorf("query is empty")
	}
	return capability.Input{Text: text, Fields: msg.Data()}, nil
}

func (ProcessorWorker) Result(out capability.Output) ([]task.Artifact, task.Message, error) {
	answer := strings.TrimSpace(out.Text)
	if answer == "" && out.Data != nil {
		if a, ok := out.Data["answer"].(string); ok {
			answer = strings.TrimSpace(a)
		}
	}
	if answer == "" {
		return nil, task.Message{}, fmt.Errorf("capability returned an empty answer")
	}

	artifact := task.NewArtifact(ArtifactAnswer, task.TextPart(answer))
	return []task.Artifact{artifact}, task.NewMessage(task.RoleAgent, task.TextPart(answer)), nil
}
