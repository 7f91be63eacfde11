package worker

import (
	"fmt"
	"strings"

	"github.com/aristath/taskrelay/internal/capability"
	"github.com/aristath/taskrelay/internal/task"
)

// CritiqueSeparator joins query and answer in the text form of a critic request.
const CritiqueSeparator = " ||| "

// DefaultRating is used when the critique carries no usable rating.
const DefaultRating = 3

// Evaluation is the critique of an answer.
type Evaluation struct {
	Rating      int    `json:"rating"`
	Explanation string `json:"explanation"`
}

// CriticWorker evaluates an answer against its query.
type CriticWorker struct{}

func (CriticWorker) isWorker() {}

func (CriticWorker) Role() Role { return RoleCritic }

func (CriticWorker) Skill() Skill {
	return Skill{
		ID:          skillID(RoleCritic),
		Name:        "Answer critique",
		Description: "Rates an answer from 1 to 5 and explains the rating",
		Tags:        []string{"a2a", "evaluation"},
		Examples:    []string{"What is the capital of France?" + CritiqueSeparator + "Paris"},
	}
}

// CritiqueMessage builds the user message the critic expects.
func CritiqueMessage(query, answer string) task.Message {
	return task.NewMessage(task.RoleUser,
		task.TextPart(query+CritiqueSeparator+answer),
		task.DataPart(map[string]any{"query": query, "answer": answer}),
	)
}

func (CriticWorker) Input(t *task.Task) (capability.Input, error) {
	msg, err := latestUserMessage(t)
	if err != nil {
		return capability.Input{}, err
	}

	var query, answer string
	if data := msg.Data(); data != nil {
		query, _ = data["query"].(string)
		answer, _ = data["answer"].(string)
	}
	if query == "" || answer == "" {
		q, a, ok := strings.Cut(msg.Text(), strings.TrimSpace(CritiqueSeparator))
		if !ok {
			return capability.Input{}, fmt.Errorf("critique request needs a query and an answer")
		}
		query, answer = strings.TrimSpace(q), strings.TrimSpace(a)
	}
	if query == "" || answer == "" {
		return capability.Input{}, fmt.Errorf("critique request needs a query and an answer")
	}

	return capability.Input{
		Text:   query + CritiqueSeparator + answer,
		Fields: map[string]any{"query": query, "answer": answer},
	}, nil
}

func (CriticWorker) Result(out capability.Output) ([]task.Artifact, task.Message, error) {
	ev := ParseEvaluation(out)
	text := strings.TrimSpace(out.Text)
	if text == "" {
		text = ev.Explanation
	}
	if text == "" {
		return nil, task.Message{}, fmt.Errorf("capability returned an empty evaluation")
	}
	if ev.Explanation == "" {
		ev.Explanation = text
	}

	artifact := task.NewArtifact(ArtifactEvaluation,
		task.TextPart(text),
		task.DataPart(map[string]any{"rating": ev.Rating, "explanation": ev.Explanation}),
	)
	return []task.Artifact{artifact}, task.NewMessage(task.RoleAgent, task.TextPart(text)), nil
}

// ParseEvaluation reads rating and explanation from structured output. The
// rating falls back to DefaultRating and is clamped to 1..5.
func ParseEvaluation(out capability.Output) Evaluation {
	ev := Evaluation{Rating: DefaultRating}
	if out.Data != nil {
		if r, ok := number(out.Data["rating"]); ok {
			ev.Rating = int(r)
		}
		if e, ok := out.Data["explanation"].(string); ok {
			ev.Explanation = strings.TrimSpace(e)
		}
	}
	ev.Rating = min(max(ev.Rating, 1), 5)
	return ev
}
